package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"txnload/internal/cluster"
	"txnload/internal/events"
	"txnload/internal/logger"
	"txnload/internal/metrics"
	"txnload/internal/protocol"
	"txnload/internal/session"
	"txnload/internal/worker"
)

// ErrNoClients はクライアント数が0であることを示す
var ErrNoClients = errors.New("workload needs at least one client")

// Config はDriverの設定
type Config struct {
	NumClients int            // セッション数
	Session    session.Config // 各セッションの設定
	Seed       uint64         // 乱数シード（0でランダム）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		NumClients: 4,
		Session:    session.DefaultConfig(),
	}
}

// Stats は全セッションのカウンタの合計
type Stats struct {
	Sessions  int    `json:"sessions"`
	Attempted uint64 `json:"attempted"`
	Committed uint64 `json:"committed"`
}

// Driver はクライアントセッション群をワーカープール上で動かす
type Driver struct {
	config   Config
	cluster  *cluster.Cluster
	metrics  *metrics.Metrics
	eventBus *events.Bus

	running  atomic.Bool
	mu       sync.RWMutex
	pool     *worker.Pool
	sessions []*session.Session
	wg       sync.WaitGroup
	errs     []error
}

// New は新しいDriverを作成する
func New(c *cluster.Cluster, config Config) *Driver {
	return &Driver{
		config:  config,
		cluster: c,
		metrics: metrics.New(),
	}
}

// SetEventBus はイベントバスを設定する
func (d *Driver) SetEventBus(bus *events.Bus) {
	d.eventBus = bus
}

// Start はセッションを作成し、起動してWelcomeを配る
func (d *Driver) Start(ctx context.Context) error {
	if d.config.NumClients < 1 {
		return ErrNoClients
	}
	if d.running.Swap(true) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.metrics.Reset()
	d.errs = nil
	d.sessions = make([]*session.Session, 0, d.config.NumClients)
	d.pool = worker.NewPoolWithConfig(worker.PoolConfig{
		NumWorkers:  d.config.NumClients,
		QueueFactor: 1,
	})
	d.pool.Start(ctx)

	for i := range d.config.NumClients {
		id := protocol.ClientID(i + 1)
		s := session.New(id, d.config.Session, d.cluster, d.rng(id))
		s.SetMetrics(d.metrics)
		s.SetEventBus(d.eventBus)

		if err := d.cluster.Register(id, s.Mailbox()); err != nil {
			d.abortStart()
			return fmt.Errorf("failed to register %s: %w", id, err)
		}
		d.sessions = append(d.sessions, s)

		d.wg.Add(1)
		if !d.pool.Submit(d.runJob(s)) {
			d.wg.Done()
			d.abortStart()
			return fmt.Errorf("failed to schedule %s", id)
		}
	}

	// ブートストラップ
	welcome := d.cluster.Welcome()
	for _, s := range d.sessions {
		s.Deliver(welcome)
	}

	logger.Info("", "Workload started (clients: %d, coordinators: %d, mode: %s)",
		len(d.sessions), len(welcome.Coordinators), d.config.Session.Mode)
	return nil
}

// rng はセッションごとの乱数源を返す
func (d *Driver) rng(id protocol.ClientID) *rand.Rand {
	if d.config.Seed != 0 {
		return rand.New(rand.NewPCG(d.config.Seed, uint64(id)))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// runJob はセッションを実行するジョブを返す
func (d *Driver) runJob(s *session.Session) worker.Job {
	return func(ctx context.Context) {
		defer d.wg.Done()

		err := s.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		logger.Error(s.ID().String(), "Session ended with error: %v", err)

		d.mu.Lock()
		d.errs = append(d.errs, err)
		d.mu.Unlock()
	}
}

// abortStart は起動途中のセッションを片付ける（mu保持中に呼ぶ）
func (d *Driver) abortStart() {
	for _, s := range d.sessions {
		s.Deliver(protocol.Shutdown{})
		d.cluster.Unregister(s.ID())
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.pool.Stop()
	d.mu.Lock()
	d.running.Store(false)
}

// Stop は全セッションにShutdownを送り、終了を待つ
func (d *Driver) Stop() {
	if !d.running.Swap(false) {
		return
	}

	d.mu.RLock()
	sessions := d.sessions
	pool := d.pool
	d.mu.RUnlock()

	for _, s := range sessions {
		s.Deliver(protocol.Shutdown{})
	}
	d.wg.Wait()
	pool.Stop()

	for _, s := range sessions {
		d.cluster.Unregister(s.ID())
	}

	stats := d.Stats()
	logger.Info("", "Workload stopped (committed %d/%d)", stats.Committed, stats.Attempted)
}

// WaitIdle は全セッションが待機状態（または終了）になるまで待つ
func (d *Driver) WaitIdle(ctx context.Context) error {
	d.mu.RLock()
	sessions := d.sessions
	d.mu.RUnlock()

	for _, s := range sessions {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Idle():
		}
	}
	return nil
}

// Err はエラーで終了したセッションのエラーをまとめて返す
func (d *Driver) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return errors.Join(d.errs...)
}

// Stats は全セッションのカウンタを合計する
func (d *Driver) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{Sessions: len(d.sessions)}
	for _, s := range d.sessions {
		ss := s.Stats()
		stats.Attempted += ss.Attempted
		stats.Committed += ss.Committed
	}
	return stats
}

// Metrics はメトリクスを返す
func (d *Driver) Metrics() *metrics.Metrics {
	return d.metrics
}

// PoolStats はセッションを動かしているワーカープールの状態を返す
func (d *Driver) PoolStats() worker.PoolStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.pool == nil {
		return worker.PoolStats{}
	}
	return d.pool.Stats()
}

// IsRunning は実行中かどうかを返す
func (d *Driver) IsRunning() bool {
	return d.running.Load()
}

// RunFor は指定時間だけワークロードを実行する
func (d *Driver) RunFor(ctx context.Context, duration time.Duration) (*metrics.Snapshot, error) {
	if err := d.Start(ctx); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}

	d.Stop()

	snapshot := d.metrics.Snapshot()
	return &snapshot, d.Err()
}

// RunOnce は各セッションに1回ずつ試行させる（singleモード）
func (d *Driver) RunOnce(ctx context.Context) (*metrics.Snapshot, error) {
	d.config.Session.Mode = session.ModeSingle
	if err := d.Start(ctx); err != nil {
		return nil, err
	}

	waitErr := d.WaitIdle(ctx)
	d.Stop()

	snapshot := d.metrics.Snapshot()
	return &snapshot, errors.Join(waitErr, d.Err())
}
