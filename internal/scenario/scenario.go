package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"txnload/internal/chaos"
	"txnload/internal/cluster"
	"txnload/internal/events"
	"txnload/internal/logger"
	"txnload/internal/metrics"
	"txnload/internal/recovery"
	"txnload/internal/session"
	"txnload/internal/txn"
	"txnload/internal/workload"
)

var (
	// ErrAlreadyRunning はシナリオの二重実行を示す
	ErrAlreadyRunning = errors.New("scenario is already running")
	// ErrInvalidConfig は不正なシナリオ設定を示す
	ErrInvalidConfig = errors.New("invalid scenario config")
)

// Config はシナリオの設定
type Config struct {
	Name        string        // シナリオ名
	Description string        // 説明
	Duration    time.Duration // 実行時間（singleモードでは上限）

	// クラスタ設定
	Coordinators int // コーディネーター数
	MaxKey       int // キー空間は [0, MaxKey]
	InitialValue int // 各アイテムの初期値

	// ワークロード設定
	Clients           int           // クライアント数
	Mode              session.Mode  // single / continuous
	CommitProbability float64       // コミットを選ぶ確率
	WriteProbability  float64       // ラウンドごとに書き込む確率
	MinLength         int           // 1トランザクションのラウンド数の下限
	MaxLength         int           // 1トランザクションのラウンド数の上限
	AcceptTimeout     time.Duration // Begin受理までの期限
	InterTxnDelay     time.Duration // 試行間の待ち時間
	Seed              uint64        // 乱数シード（0でランダム）

	// カオス設定
	EnableChaos   bool               // カオス注入を有効化
	ChaosInterval time.Duration      // 攻撃間隔
	ChaosTargets  int                // 同時攻撃対象数
	AttackTypes   []chaos.AttackType // 有効な攻撃タイプ
	DelayDuration time.Duration      // Delay攻撃の遅延
	SuspendTime   time.Duration      // Suspend攻撃の継続時間

	// 復旧設定
	EnableRecovery bool          // 復旧を有効化
	RecoveryDelay  time.Duration // 復旧までの待機時間
	MaxRetries     int           // 最大リトライ回数
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	txnDefaults := txn.DefaultConfig()
	chaosDefaults := chaos.DefaultConfig()
	return Config{
		Name:              "default",
		Description:       "Default scenario",
		Duration:          10 * time.Second,
		Coordinators:      3,
		MaxKey:            100,
		InitialValue:      1000,
		Clients:           5,
		Mode:              session.ModeContinuous,
		CommitProbability: txnDefaults.CommitProbability,
		WriteProbability:  txnDefaults.WriteProbability,
		MinLength:         txnDefaults.MinLength,
		MaxLength:         txnDefaults.MaxLength,
		AcceptTimeout:     txnDefaults.AcceptTimeout,
		InterTxnDelay:     session.DefaultConfig().InterTxnDelay,
		EnableChaos:       true,
		ChaosInterval:     2 * time.Second,
		ChaosTargets:      1,
		AttackTypes:       []chaos.AttackType{chaos.AttackKill, chaos.AttackSuspend, chaos.AttackDelay},
		DelayDuration:     chaosDefaults.DelayDuration,
		SuspendTime:       chaosDefaults.SuspendTime,
		EnableRecovery:    true,
		RecoveryDelay:     1 * time.Second,
		MaxRetries:        3,
	}
}

// TxnConfig はトランザクション設定を返す
func (c Config) TxnConfig() txn.Config {
	return txn.Config{
		CommitProbability: c.CommitProbability,
		WriteProbability:  c.WriteProbability,
		MinLength:         c.MinLength,
		MaxLength:         c.MaxLength,
		AcceptTimeout:     c.AcceptTimeout,
	}
}

// WorkloadConfig はワークロード設定を返す
func (c Config) WorkloadConfig() workload.Config {
	return workload.Config{
		NumClients: c.Clients,
		Seed:       c.Seed,
		Session: session.Config{
			Txn:           c.TxnConfig(),
			Mode:          c.Mode,
			InterTxnDelay: c.InterTxnDelay,
		},
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	}
	if c.Coordinators < 1 {
		return fmt.Errorf("%w: at least one coordinator is required", ErrInvalidConfig)
	}
	if c.Clients < 1 {
		return fmt.Errorf("%w: at least one client is required", ErrInvalidConfig)
	}
	if c.MaxKey < 2 {
		return fmt.Errorf("%w: max key must be at least 2", ErrInvalidConfig)
	}
	if c.InitialValue < 0 {
		return fmt.Errorf("%w: initial value must be non-negative", ErrInvalidConfig)
	}
	if c.InterTxnDelay < 0 {
		return fmt.Errorf("%w: inter-transaction delay must be non-negative", ErrInvalidConfig)
	}
	if err := c.TxnConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.EnableChaos && c.ChaosInterval <= 0 {
		return fmt.Errorf("%w: chaos interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Result はシナリオ実行結果
type Result struct {
	ScenarioName string        `json:"scenario_name"`
	Mode         string        `json:"mode"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Clients      int           `json:"clients"`
	Coordinators int           `json:"coordinators"`

	// トランザクション
	Attempted     uint64        `json:"attempted"`
	Committed     uint64        `json:"committed"`
	Aborted       uint64        `json:"aborted"`
	AbortRequests uint64        `json:"abort_requests"`
	Conflicts     uint64        `json:"conflicts"`
	Retries       uint64        `json:"retries"`
	StaleReplies  uint64        `json:"stale_replies"`
	CommitRate    float64       `json:"commit_rate"`
	TPS           float64       `json:"tps"`
	AvgLatency    time.Duration `json:"avg_latency"`
	P99Latency    time.Duration `json:"p99_latency"`

	// 整合性
	ExpectedTotal int  `json:"expected_total"`
	FinalTotal    int  `json:"final_total"`
	NegativeKeys  int  `json:"negative_keys"`
	Conserved     bool `json:"conserved"`

	// カオス統計
	TotalAttacks uint64 `json:"total_attacks"`

	// 復旧統計
	TotalRecoveries   uint64 `json:"total_recoveries"`
	SuccessRecoveries uint64 `json:"success_recoveries"`
	FailedRecoveries  uint64 `json:"failed_recoveries"`

	// コーディネーターの最終状態
	FinalCoordinatorStatus map[string]string `json:"final_coordinator_status"`
}

// Engine はシナリオ実行エンジン
type Engine struct {
	config   Config
	eventBus *events.Bus

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	cluster  *cluster.Cluster
	driver   *workload.Driver
	monkey   *chaos.Monkey
	recovery *recovery.Manager
}

// New は新しいEngineを作成する
func New(config Config) *Engine {
	return &Engine{
		config: config,
	}
}

// SetEventBus はイベントバスを設定する
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.eventBus = bus
}

// Config はシナリオ設定を返す
func (e *Engine) Config() Config {
	return e.config
}

// Run はシナリオを実行する
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	logger.Info("", "=== Scenario '%s' started ===", e.config.Name)
	logger.Info("", "Description: %s", e.config.Description)

	result := &Result{
		ScenarioName: e.config.Name,
		Mode:         e.config.Mode.String(),
		StartTime:    time.Now(),
		Clients:      e.config.Clients,
		Coordinators: e.config.Coordinators,
	}

	// セットアップ
	if err := e.setup(runCtx); err != nil {
		e.teardown()
		return nil, fmt.Errorf("setup failed: %w", err)
	}

	// シナリオ実行
	runErr := e.runScenario(runCtx)

	// 全コンポーネントを止めてから結果を集める
	e.teardown()

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	e.collectResults(result)

	if !result.Conserved {
		logger.Error("", "Store total changed: expected %d, got %d", result.ExpectedTotal, result.FinalTotal)
	}
	logger.Info("", "=== Scenario '%s' completed ===", e.config.Name)

	return result, runErr
}

// Stop は実行中のシナリオを早めに終了させる
func (e *Engine) Stop() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// setup はシナリオ実行前のセットアップ
func (e *Engine) setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// クラスタ作成
	e.cluster = cluster.New(cluster.Config{
		MaxKey:       e.config.MaxKey,
		InitialValue: e.config.InitialValue,
	})
	if err := e.cluster.CreateCoordinators(e.config.Coordinators, "coord"); err != nil {
		return fmt.Errorf("failed to create coordinators: %w", err)
	}
	if err := e.cluster.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start coordinators: %w", err)
	}

	// ワークロード
	e.driver = workload.New(e.cluster, e.config.WorkloadConfig())
	e.driver.SetEventBus(e.eventBus)

	// カオスモンキー
	e.monkey = nil
	if e.config.EnableChaos {
		chaosConfig := chaos.DefaultConfig()
		chaosConfig.Interval = e.config.ChaosInterval
		chaosConfig.TargetCount = e.config.ChaosTargets
		chaosConfig.AttackTypes = e.config.AttackTypes
		if e.config.DelayDuration > 0 {
			chaosConfig.DelayDuration = e.config.DelayDuration
		}
		if e.config.SuspendTime > 0 {
			chaosConfig.SuspendTime = e.config.SuspendTime
		}
		e.monkey = chaos.New(e.cluster, chaosConfig)
		e.monkey.SetEventBus(e.eventBus)
	}

	// 復旧マネージャー
	e.recovery = nil
	if e.config.EnableRecovery {
		recoveryConfig := recovery.DefaultConfig()
		recoveryConfig.HealthCheckInterval = min(recoveryConfig.HealthCheckInterval, max(e.config.RecoveryDelay/2, 50*time.Millisecond))
		recoveryConfig.RecoveryDelay = e.config.RecoveryDelay
		recoveryConfig.MaxRetries = e.config.MaxRetries
		e.recovery = recovery.New(e.cluster, recoveryConfig)
		e.recovery.SetEventBus(e.eventBus)
	}

	return nil
}

// teardown はシナリオ実行後のクリーンアップ
// カオスを先に止めて一時停止中のコーディネーターを戻し、クライアントを終わらせる
func (e *Engine) teardown() {
	e.mu.RLock()
	monkey, rec, driver, c := e.monkey, e.recovery, e.driver, e.cluster
	e.mu.RUnlock()

	if monkey != nil {
		monkey.Stop()
	}
	if rec != nil {
		rec.Stop()
	}
	if driver != nil {
		driver.Stop()
	}
	if c != nil {
		_ = c.StopAll()
	}
}

// runScenario はシナリオのメイン処理
func (e *Engine) runScenario(ctx context.Context) error {
	if err := e.driver.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workload: %w", err)
	}
	if e.monkey != nil {
		e.monkey.Start(ctx)
	}
	if e.recovery != nil {
		e.recovery.Start(ctx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.config.Duration)
	defer cancel()

	if e.config.Mode == session.ModeSingle {
		if err := e.driver.WaitIdle(waitCtx); err != nil {
			logger.Warn("", "Not every client finished its transaction: %v", err)
		}
	} else {
		<-waitCtx.Done()
	}

	logger.Info("", "Scenario finished, stopping components...")
	return e.driver.Err()
}

// collectResults は結果を収集する
func (e *Engine) collectResults(result *Result) {
	snapshot := e.driver.Metrics().Snapshot()
	stats := e.driver.Stats()

	result.Attempted = stats.Attempted
	result.Committed = stats.Committed
	result.Aborted = snapshot.Aborts
	result.AbortRequests = snapshot.AbortRequests
	result.Retries = snapshot.Retries
	result.StaleReplies = snapshot.StaleReplies
	result.CommitRate = snapshot.CommitRate
	result.TPS = snapshot.OverallTPS
	result.AvgLatency = snapshot.AverageLatency
	result.P99Latency = snapshot.P99Latency
	result.Conflicts = e.cluster.Stats().Conflicts

	result.ExpectedTotal = e.cluster.ExpectedTotal()
	result.FinalTotal = e.cluster.Total()
	result.NegativeKeys = len(e.cluster.Store().Negative())
	result.Conserved = result.ExpectedTotal == result.FinalTotal && result.NegativeKeys == 0

	if e.monkey != nil {
		result.TotalAttacks = e.monkey.AttackCount()
	}

	if e.recovery != nil {
		rs := e.recovery.Stats()
		result.TotalRecoveries = rs.TotalRecoveries
		result.SuccessRecoveries = rs.SuccessRecoveries
		result.FailedRecoveries = rs.FailedRecoveries
	}

	result.FinalCoordinatorStatus = make(map[string]string)
	for _, co := range e.cluster.Coordinators() {
		result.FinalCoordinatorStatus[string(co.ID())] = co.Status().String()
	}
}

// Report は結果をフォーマットして返す
func (r *Result) Report() string {
	consistency := "OK"
	if !r.Conserved {
		consistency = "VIOLATED"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `
================================================================================
                         SCENARIO REPORT: %s
================================================================================

EXECUTION SUMMARY
-----------------
  Start Time:     %s
  End Time:       %s
  Duration:       %v
  Mode:           %s
  Clients:        %d
  Coordinators:   %d

TRANSACTIONS
------------
  Attempted:        %d
  Committed:        %d
  Aborted:          %d (client requested: %d, conflicts: %d)
  Begin Retries:    %d
  Stale Replies:    %d
  Commit Rate:      %.2f%%
  Throughput:       %.1f txn/s
  Avg Latency:      %v
  P99 Latency:      %v

CONSISTENCY
-----------
  Expected Total:   %d
  Final Total:      %d
  Negative Items:   %d
  Result:           %s

CHAOS STATISTICS
----------------
  Total Attacks:    %d

RECOVERY STATISTICS
-------------------
  Total Recoveries:   %d
  Successful:         %d
  Failed:             %d

FINAL COORDINATOR STATUS
------------------------
`,
		r.ScenarioName,
		r.StartTime.Format("2006-01-02 15:04:05"),
		r.EndTime.Format("2006-01-02 15:04:05"),
		r.Duration.Round(time.Millisecond),
		r.Mode,
		r.Clients,
		r.Coordinators,
		r.Attempted,
		r.Committed,
		r.Aborted, r.AbortRequests, r.Conflicts,
		r.Retries,
		r.StaleReplies,
		r.CommitRate*100,
		r.TPS,
		r.AvgLatency.Round(time.Microsecond),
		r.P99Latency.Round(time.Microsecond),
		r.ExpectedTotal,
		r.FinalTotal,
		r.NegativeKeys,
		consistency,
		r.TotalAttacks,
		r.TotalRecoveries,
		r.SuccessRecoveries,
		r.FailedRecoveries,
	)

	ids := make([]string, 0, len(r.FinalCoordinatorStatus))
	for id := range r.FinalCoordinatorStatus {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "  %-20s %s\n", id+":", r.FinalCoordinatorStatus[id])
	}

	b.WriteString("\n================================================================================")
	return b.String()
}

// IsRunning は実行中かどうかを返す
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// ChaosStats はカオス統計を返す
func (e *Engine) ChaosStats() *chaos.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.monkey == nil {
		return nil
	}
	stats := e.monkey.Stats()
	return &stats
}

// RecoveryStats は復旧統計を返す
func (e *Engine) RecoveryStats() *recovery.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.recovery == nil {
		return nil
	}
	stats := e.recovery.Stats()
	return &stats
}

// Metrics はワークロードのメトリクスを返す
func (e *Engine) Metrics() *metrics.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.driver == nil {
		return nil
	}
	snapshot := e.driver.Metrics().Snapshot()
	return &snapshot
}

// WorkloadStats はクライアントのカウンタを返す
func (e *Engine) WorkloadStats() *workload.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.driver == nil {
		return nil
	}
	stats := e.driver.Stats()
	return &stats
}

// Cluster はクラスタを返す
func (e *Engine) Cluster() *cluster.Cluster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cluster
}
