package chaos

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"txnload/internal/cluster"
	"txnload/internal/coordinator"
	"txnload/internal/events"
	"txnload/internal/logger"
	"txnload/internal/protocol"
)

// AttackType は障害の種類を表す
type AttackType int

const (
	AttackKill AttackType = iota
	AttackSuspend
	AttackDelay
)

func (a AttackType) String() string {
	switch a {
	case AttackKill:
		return "kill"
	case AttackSuspend:
		return "suspend"
	case AttackDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// ParseAttackType は文字列からAttackTypeを返す
func ParseAttackType(s string) (AttackType, bool) {
	for _, a := range []AttackType{AttackKill, AttackSuspend, AttackDelay} {
		if a.String() == s {
			return a, true
		}
	}
	return 0, false
}

// Config はChaosMonkeyの設定
type Config struct {
	Interval      time.Duration // 攻撃間隔
	TargetCount   int           // 同時攻撃対象数
	AttackTypes   []AttackType  // 有効な攻撃タイプ
	DelayDuration time.Duration // Delay攻撃時の遅延時間
	SuspendTime   time.Duration // Suspend攻撃の継続時間（0で手動Resume）
	KeepRunning   int           // 攻撃後も稼働させておくコーディネーター数の下限
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		TargetCount:   1,
		AttackTypes:   []AttackType{AttackKill, AttackSuspend, AttackDelay},
		DelayDuration: 100 * time.Millisecond,
		SuspendTime:   3 * time.Second,
		KeepRunning:   1,
	}
}

// Stats はカオス攻撃の統計情報
type Stats struct {
	TotalAttacks uint64            `json:"total_attacks"`
	ByType       map[string]uint64 `json:"attacks_by_type"`
}

// Monkey はコーディネーターに障害を注入する
type Monkey struct {
	cluster  *cluster.Cluster
	eventBus *events.Bus

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.RWMutex
	config       Config
	attackCount  uint64
	attackByType map[AttackType]uint64
	lastAttack   time.Time
	suspendedIDs map[protocol.CoordinatorID]time.Time
}

// New は新しいChaosMonkeyを作成する
func New(c *cluster.Cluster, config Config) *Monkey {
	return &Monkey{
		config:       config,
		cluster:      c,
		suspendedIDs: make(map[protocol.CoordinatorID]time.Time),
		attackByType: make(map[AttackType]uint64),
	}
}

// SetEventBus はイベントバスを設定する
func (m *Monkey) SetEventBus(bus *events.Bus) {
	m.eventBus = bus
}

// publishEvent はイベントを発行する
func (m *Monkey) publishEvent(event events.Event) {
	if m.eventBus != nil {
		m.eventBus.Publish(event)
	}
}

// Start はカオス注入を開始する
func (m *Monkey) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	config := m.Config()

	m.wg.Add(1)
	go m.attackLoop(config.Interval)

	if config.SuspendTime > 0 {
		m.wg.Add(1)
		go m.resumeLoop()
	}

	logger.Info("", "ChaosMonkey started (interval: %v, targets: %d)",
		config.Interval, config.TargetCount)
}

// Stop はカオス注入を停止する
func (m *Monkey) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	m.wg.Wait()

	// 残っているsuspendedコーディネーターをresumeする
	m.resumeAll()

	logger.Info("", "ChaosMonkey stopped (total attacks: %d)", m.AttackCount())
}

// attackLoop は定期的に攻撃を実行する
func (m *Monkey) attackLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Attack()
		}
	}
}

// resumeLoop はsuspendされたコーディネーターを自動的にresumeする
func (m *Monkey) resumeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAndResume()
		}
	}
}

// Attack は1回分の攻撃を実行し、攻撃したコーディネーター数を返す
func (m *Monkey) Attack() int {
	targets := m.selectTargets()
	if len(targets) == 0 {
		return 0
	}

	attackType := m.selectAttackType()

	hit := 0
	for _, co := range targets {
		if m.executeAttack(co, attackType) {
			hit++
		}
	}

	m.mu.Lock()
	m.attackCount++
	m.lastAttack = time.Now()
	m.mu.Unlock()
	return hit
}

// selectTargets は攻撃対象のコーディネーターを選択する
func (m *Monkey) selectTargets() []*coordinator.Coordinator {
	config := m.Config()

	// 稼働中のコーディネーターのみを対象とする
	running := make([]*coordinator.Coordinator, 0)
	for _, co := range m.cluster.Coordinators() {
		if co.Status() == coordinator.StatusRunning {
			running = append(running, co)
		}
	}

	count := min(config.TargetCount, len(running)-config.KeepRunning)
	if count <= 0 {
		return nil
	}

	rand.Shuffle(len(running), func(i, j int) {
		running[i], running[j] = running[j], running[i]
	})

	return running[:count]
}

// selectAttackType は攻撃タイプをランダムに選択する
func (m *Monkey) selectAttackType() AttackType {
	types := m.Config().AttackTypes
	if len(types) == 0 {
		return AttackKill
	}
	return types[rand.IntN(len(types))]
}

// executeAttack は指定された攻撃を実行する
func (m *Monkey) executeAttack(co *coordinator.Coordinator, attackType AttackType) bool {
	switch attackType {
	case AttackKill:
		return m.attackKill(co)
	case AttackSuspend:
		return m.attackSuspend(co)
	case AttackDelay:
		return m.attackDelay(co)
	default:
		return false
	}
}

// attackKill はコーディネーターを強制停止する（進行中のトランザクションはアボートされる）
func (m *Monkey) attackKill(co *coordinator.Coordinator) bool {
	if err := co.Stop(); err != nil {
		logger.Warn("", "ChaosMonkey: failed to kill coordinator %s: %v", co.ID(), err)
		return false
	}
	logger.Warn("", "ChaosMonkey: killed coordinator %s", co.ID())
	m.publishEvent(events.NewChaosAttackEvent(string(co.ID()), events.AttackTypeKill))

	m.mu.Lock()
	m.attackByType[AttackKill]++
	m.mu.Unlock()
	return true
}

// attackSuspend はコーディネーターを一時停止する（新しいBeginは無視される）
func (m *Monkey) attackSuspend(co *coordinator.Coordinator) bool {
	if err := co.Suspend(); err != nil {
		logger.Warn("", "ChaosMonkey: failed to suspend coordinator %s: %v", co.ID(), err)
		return false
	}

	m.mu.Lock()
	m.suspendedIDs[co.ID()] = time.Now()
	m.attackByType[AttackSuspend]++
	m.mu.Unlock()

	logger.Warn("", "ChaosMonkey: suspended coordinator %s", co.ID())
	m.publishEvent(events.NewChaosAttackEvent(string(co.ID()), events.AttackTypeSuspend))
	return true
}

// attackDelay はコーディネーターに遅延を注入する
func (m *Monkey) attackDelay(co *coordinator.Coordinator) bool {
	delay := m.Config().DelayDuration
	co.SetDelay(delay)
	logger.Warn("", "ChaosMonkey: injected %v delay to coordinator %s", delay, co.ID())
	m.publishEvent(events.NewChaosAttackEventWithDelay(string(co.ID()), delay))

	m.mu.Lock()
	m.attackByType[AttackDelay]++
	m.mu.Unlock()
	return true
}

// checkAndResume はsuspend時間が経過したコーディネーターをresumeする
func (m *Monkey) checkAndResume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, suspendTime := range m.suspendedIDs {
		if now.Sub(suspendTime) < m.config.SuspendTime {
			continue
		}
		if co, exists := m.cluster.GetCoordinator(id); exists {
			if err := co.Resume(); err == nil {
				logger.Info("", "ChaosMonkey: auto-resumed coordinator %s", id)
				m.publishEvent(events.NewChaosResumeEvent(string(id)))
			}
		}
		delete(m.suspendedIDs, id)
	}
}

// resumeAll は全てのsuspendedコーディネーターをresumeする
func (m *Monkey) resumeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.suspendedIDs {
		if co, exists := m.cluster.GetCoordinator(id); exists {
			if err := co.Resume(); err == nil {
				logger.Info("", "ChaosMonkey: resumed coordinator %s on shutdown", id)
			}
		}
	}
	clear(m.suspendedIDs)
}

// IsRunning は実行中かどうかを返す
func (m *Monkey) IsRunning() bool {
	return m.running.Load()
}

// AttackCount は攻撃回数を返す
func (m *Monkey) AttackCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attackCount
}

// LastAttack は最後の攻撃時刻を返す
func (m *Monkey) LastAttack() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAttack
}

// Config は現在の設定を返す
func (m *Monkey) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig は設定を更新する（攻撃間隔は次のStartから有効）
func (m *Monkey) SetConfig(config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
}

// Stats は攻撃統計を返す
func (m *Monkey) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[string]uint64)
	for t, count := range m.attackByType {
		byType[t.String()] = count
	}

	return Stats{
		TotalAttacks: m.attackCount,
		ByType:       byType,
	}
}
