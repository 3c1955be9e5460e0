package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"txnload/internal/logger"
)

// Job はワーカーが実行するジョブ。ctx はプール停止時にキャンセルされる
type Job func(ctx context.Context)

// PoolConfig はワーカープールの設定
type PoolConfig struct {
	NumWorkers  int // ワーカー数（0でCPU数）
	QueueFactor int // キューサイズ = NumWorkers * QueueFactor
}

// DefaultPoolConfig はデフォルト設定を返す
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:  0,
		QueueFactor: 4,
	}
}

// PoolStats はワーカープールの状態
type PoolStats struct {
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Panics    uint64 `json:"panics"`
}

// Pool は長時間動くジョブ（セッションなど）を実行するゴルーチンのプール
// Stop 後に再度 Start できる
type Pool struct {
	numWorkers  int
	queueFactor int

	mu      sync.RWMutex
	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	active    atomic.Int64
	completed atomic.Uint64
	panics    atomic.Uint64
}

// NewPool は新しいワーカープールを作成する
// numWorkers が 0 以下の場合は CPU 数を使用
func NewPool(numWorkers int) *Pool {
	config := DefaultPoolConfig()
	config.NumWorkers = numWorkers
	return NewPoolWithConfig(config)
}

// NewPoolWithConfig は設定を指定してワーカープールを作成する
func NewPoolWithConfig(config PoolConfig) *Pool {
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	queueFactor := config.QueueFactor
	if queueFactor <= 0 {
		queueFactor = DefaultPoolConfig().QueueFactor
	}
	return &Pool{
		numWorkers:  numWorkers,
		queueFactor: queueFactor,
	}
}

// Start はワーカープールを起動する
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.jobs = make(chan Job, p.numWorkers*p.queueFactor)
	p.started = true

	for range p.numWorkers {
		p.wg.Add(1)
		go p.worker(p.ctx, p.jobs)
	}

	logger.Info("", "WorkerPool started with %d workers", p.numWorkers)
}

// worker は個々のワーカーゴルーチン
func (p *Pool) worker(ctx context.Context, jobs <-chan Job) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			p.run(ctx, job)
		}
	}
}

// run はジョブを実行する。パニックはワーカーを巻き込まない
func (p *Pool) run(ctx context.Context, job Job) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("", "WorkerPool job panicked: %v", r)
			return
		}
		p.completed.Add(1)
	}()

	job(ctx)
}

// Submit はキューに空きがあればジョブを送信する
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.ctx.Err() != nil {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		logger.Warn("", "WorkerPool queue is full (%d), job rejected", cap(p.jobs))
		return false
	}
}

// SubmitWait はジョブを送信し、キューに空きがなければブロックする
func (p *Pool) SubmitWait(job Job) bool {
	p.mu.RLock()
	if !p.started {
		p.mu.RUnlock()
		return false
	}
	ctx, jobs := p.ctx, p.jobs
	p.mu.RUnlock()

	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case jobs <- job:
		return true
	}
}

// Stop はジョブのコンテキストをキャンセルし、実行中のジョブの終了を待つ
// キューに残ったジョブは実行されない
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	dropped := len(p.jobs)
	p.jobs = nil
	p.mu.Unlock()

	logger.Info("", "WorkerPool stopped (dropped %d queued jobs)", dropped)
}

// NumWorkers はワーカー数を返す
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// QueueSize は現在のキューサイズを返す
func (p *Pool) QueueSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.jobs)
}

// Active は実行中のジョブ数を返す
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Stats はプールの状態を返す
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.numWorkers,
		Active:    p.active.Load(),
		Queued:    p.QueueSize(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
