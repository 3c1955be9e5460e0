package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"txnload/internal/cluster"
	"txnload/internal/coordinator"
	"txnload/internal/events"
	"txnload/internal/logger"
	"txnload/internal/protocol"
)

// Config はRecoveryManagerの設定
type Config struct {
	HealthCheckInterval time.Duration // ヘルスチェック間隔
	RecoveryDelay       time.Duration // 復旧までの待機時間
	MaxRetries          int           // 最大リトライ回数（0で無制限）
	AutoRestart         bool          // 停止コーディネーターの自動再起動
	AutoResume          bool          // 一時停止コーディネーターの自動再開
	ClearDelay          bool          // 遅延設定のクリア
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 1 * time.Second,
		RecoveryDelay:       2 * time.Second,
		MaxRetries:          3,
		AutoRestart:         true,
		AutoResume:          true,
		ClearDelay:          true,
	}
}

// CoordinatorState はコーディネーターごとの障害追跡
type CoordinatorState struct {
	LastSeen   time.Time
	FailedAt   time.Time
	RetryCount int
}

// Stats は復旧統計
type Stats struct {
	TotalRecoveries   uint64 `json:"total_recoveries"`
	SuccessRecoveries uint64 `json:"success_recoveries"`
	FailedRecoveries  uint64 `json:"failed_recoveries"`
	CurrentlyFailed   int    `json:"currently_failed"`
	DelaysCleared     uint64 `json:"delays_cleared"`
}

// Manager はコーディネーター障害からの復旧を管理する
type Manager struct {
	cluster  *cluster.Cluster
	eventBus *events.Bus

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	config Config
	states map[protocol.CoordinatorID]*CoordinatorState
	stats  Stats
}

// New は新しいRecoveryManagerを作成する
func New(c *cluster.Cluster, config Config) *Manager {
	return &Manager{
		config:  config,
		cluster: c,
		states:  make(map[protocol.CoordinatorID]*CoordinatorState),
	}
}

// SetEventBus はイベントバスを設定する
func (m *Manager) SetEventBus(bus *events.Bus) {
	m.eventBus = bus
}

// publishEvent はイベントを発行する
func (m *Manager) publishEvent(event events.Event) {
	if m.eventBus != nil {
		m.eventBus.Publish(event)
	}
}

// Start は復旧マネージャーを開始する
func (m *Manager) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	config := m.Config()

	m.wg.Add(1)
	go m.healthCheckLoop(loopCtx, config.HealthCheckInterval)

	logger.Info("", "RecoveryManager started (interval: %v, delay: %v)",
		config.HealthCheckInterval, config.RecoveryDelay)
}

// Stop は復旧マネージャーを停止する
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	m.wg.Wait()

	stats := m.Stats()
	logger.Info("", "RecoveryManager stopped (recoveries: %d success, %d failed)",
		stats.SuccessRecoveries, stats.FailedRecoveries)
}

// healthCheckLoop は定期的にヘルスチェックを実行する
func (m *Manager) healthCheckLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(time.Now())
		}
	}
}

// Check は全コーディネーターを一度だけチェックし、必要に応じて復旧する
func (m *Manager) Check(now time.Time) {
	for _, co := range m.cluster.Coordinators() {
		m.checkCoordinator(co, now)
	}
}

func (m *Manager) state(id protocol.CoordinatorID, now time.Time) *CoordinatorState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.states[id]
	if !exists {
		st = &CoordinatorState{LastSeen: now}
		m.states[id] = st
	}
	return st
}

// checkCoordinator は個々のコーディネーターをチェックする
func (m *Manager) checkCoordinator(co *coordinator.Coordinator, now time.Time) {
	st := m.state(co.ID(), now)
	config := m.Config()

	switch co.Status() {
	case coordinator.StatusRunning:
		m.handleRunning(co, st, now, config)
	case coordinator.StatusStopped:
		if config.AutoRestart {
			m.handleFailed(co, st, now, config, "stopped", func() error {
				// 再起動したコーディネーターはクラスタのコンテキストで動かす
				return co.Start(m.cluster.Context())
			})
		}
	case coordinator.StatusSuspended:
		if config.AutoResume {
			m.handleFailed(co, st, now, config, "suspended", co.Resume)
		}
	}
}

// handleRunning は稼働中のコーディネーターを処理する
func (m *Manager) handleRunning(co *coordinator.Coordinator, st *CoordinatorState, now time.Time, config Config) {
	if config.ClearDelay && co.Delay() > 0 {
		co.SetDelay(0)
		m.mu.Lock()
		m.stats.DelaysCleared++
		m.mu.Unlock()
		logger.Info("", "RecoveryManager: cleared delay on coordinator %s", co.ID())
	}

	m.mu.Lock()
	if !st.FailedAt.IsZero() {
		// 外部から復旧された
		st.FailedAt = time.Time{}
		m.stats.CurrentlyFailed--
	}
	st.LastSeen = now
	st.RetryCount = 0
	m.mu.Unlock()
}

// handleFailed は停止または一時停止中のコーディネーターの復旧を試みる
func (m *Manager) handleFailed(
	co *coordinator.Coordinator,
	st *CoordinatorState,
	now time.Time,
	config Config,
	status string,
	restore func() error,
) {
	m.mu.Lock()

	// 初回検出
	if st.FailedAt.IsZero() {
		st.FailedAt = now
		m.stats.CurrentlyFailed++
		m.mu.Unlock()
		logger.Warn("", "RecoveryManager: detected %s coordinator %s", status, co.ID())
		return
	}

	if now.Sub(st.FailedAt) < config.RecoveryDelay {
		m.mu.Unlock()
		return
	}

	if config.MaxRetries > 0 && st.RetryCount >= config.MaxRetries {
		m.mu.Unlock()
		return
	}

	st.RetryCount++
	m.stats.TotalRecoveries++
	attempt := st.RetryCount
	m.mu.Unlock()

	id := string(co.ID())
	m.publishEvent(events.NewRecoveryStartEvent(id, attempt))

	if err := restore(); err != nil {
		m.mu.Lock()
		st.FailedAt = now
		m.stats.FailedRecoveries++
		m.mu.Unlock()
		logger.Error("", "RecoveryManager: failed to recover %s coordinator %s: %v", status, id, err)
		m.publishEvent(events.NewRecoveryFailedEvent(id, err))
		return
	}

	m.mu.Lock()
	st.FailedAt = time.Time{}
	st.LastSeen = now
	m.stats.CurrentlyFailed--
	m.stats.SuccessRecoveries++
	m.mu.Unlock()

	logger.Info("", "RecoveryManager: recovered %s coordinator %s (attempt %d)", status, id, attempt)
	m.publishEvent(events.NewRecoverySuccessEvent(id))
}

// IsRunning は実行中かどうかを返す
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Stats は復旧統計を返す
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Config は現在の設定を返す
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig は設定を更新する
func (m *Manager) SetConfig(config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
}

// ResetStats は統計をリセットする
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}
