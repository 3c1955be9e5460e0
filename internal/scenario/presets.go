package scenario

import (
	"time"

	"txnload/internal/chaos"
	"txnload/internal/session"
)

// BasicScenario は基本的なシナリオ設定を返す
// カオス注入なし、純粋な負荷テスト
func BasicScenario() Config {
	config := DefaultConfig()
	config.Name = "basic"
	config.Description = "Transfer workload without chaos injection"
	config.Coordinators = 3
	config.Clients = 10
	config.EnableChaos = false
	config.EnableRecovery = false
	return config
}

// ResilienceScenario は耐障害性テストシナリオを返す
// Kill攻撃のみ、復旧あり。殺されたコーディネーターの進行中トランザクションはアボートされる
func ResilienceScenario() Config {
	config := DefaultConfig()
	config.Name = "resilience"
	config.Description = "Coordinator kills with automatic restart"
	config.Duration = 15 * time.Second
	config.Coordinators = 5
	config.Clients = 10
	config.ChaosInterval = 3 * time.Second
	config.AttackTypes = []chaos.AttackType{chaos.AttackKill}
	config.RecoveryDelay = 1 * time.Second
	return config
}

// LatencyScenario はレイテンシ注入シナリオを返す
// Delay攻撃のみ。遅延がタイムアウトを超えるとBeginが再試行される
func LatencyScenario() Config {
	config := DefaultConfig()
	config.Name = "latency"
	config.Description = "Latency injection above the accept timeout"
	config.Clients = 10
	config.AcceptTimeout = 500 * time.Millisecond
	config.AttackTypes = []chaos.AttackType{chaos.AttackDelay}
	config.DelayDuration = 600 * time.Millisecond
	config.RecoveryDelay = 500 * time.Millisecond
	config.MaxRetries = 0
	return config
}

// StressScenario は高負荷シナリオを返す
// 多数のクライアントと狭いキー空間、複数の攻撃タイプ
func StressScenario() Config {
	config := DefaultConfig()
	config.Name = "stress"
	config.Description = "High contention stress test with multiple attack types"
	config.Duration = 20 * time.Second
	config.Coordinators = 7
	config.Clients = 50
	config.MaxKey = 20
	config.ChaosTargets = 2
	config.RecoveryDelay = 500 * time.Millisecond
	config.MaxRetries = 5
	return config
}

// QuickScenario はクイックテスト用シナリオを返す
// 短いトランザクションで短時間の動作確認
func QuickScenario() Config {
	config := DefaultConfig()
	config.Name = "quick"
	config.Description = "Quick test for verification"
	config.Duration = 5 * time.Second
	config.MinLength = 2
	config.MaxLength = 5
	config.AcceptTimeout = 300 * time.Millisecond
	config.ChaosInterval = 1 * time.Second
	config.AttackTypes = []chaos.AttackType{chaos.AttackSuspend}
	config.SuspendTime = 500 * time.Millisecond
	config.RecoveryDelay = 500 * time.Millisecond
	config.MaxRetries = 2
	return config
}

// SingleScenario は各クライアントが1回だけ試行するシナリオを返す
func SingleScenario() Config {
	config := DefaultConfig()
	config.Name = "single"
	config.Description = "One transaction attempt per client"
	config.Duration = 30 * time.Second
	config.Mode = session.ModeSingle
	config.EnableChaos = false
	config.EnableRecovery = false
	return config
}

var presets = map[string]func() Config{
	"basic":      BasicScenario,
	"resilience": ResilienceScenario,
	"latency":    LatencyScenario,
	"stress":     StressScenario,
	"quick":      QuickScenario,
	"single":     SingleScenario,
}

// GetPreset は名前からプリセットシナリオを取得する
func GetPreset(name string) (Config, bool) {
	if fn, ok := presets[name]; ok {
		return fn(), true
	}
	return Config{}, false
}

// ListPresets は利用可能なプリセット名を返す
func ListPresets() []string {
	return []string{"basic", "resilience", "latency", "stress", "quick", "single"}
}
