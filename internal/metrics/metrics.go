package metrics

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Config はメトリクスの設定
type Config struct {
	MaxLatencySamples int // P99計算用に保持するサンプル数
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{MaxLatencySamples: 1000}
}

// Metrics はトランザクションのメトリクスを収集する
type Metrics struct {
	attempts       atomic.Uint64
	commits        atomic.Uint64
	aborts         atomic.Uint64
	abortRequests  atomic.Uint64
	retries        atomic.Uint64
	staleReplies   atomic.Uint64
	rounds         atomic.Uint64
	writes         atomic.Uint64
	totalLatencyNs atomic.Uint64

	mu                sync.RWMutex
	startTime         time.Time
	lastResetTime     time.Time
	windowCompleted   uint64
	latencies         []time.Duration
	maxLatencySamples int
}

// New は新しいメトリクスを作成する
func New() *Metrics {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig は設定を指定してメトリクスを作成する
func NewWithConfig(config Config) *Metrics {
	samples := config.MaxLatencySamples
	if samples <= 0 {
		samples = DefaultConfig().MaxLatencySamples
	}
	now := time.Now()
	return &Metrics{
		startTime:         now,
		lastResetTime:     now,
		latencies:         make([]time.Duration, 0, samples),
		maxLatencySamples: samples,
	}
}

// RecordAttempt は新しいトランザクション試行を記録する
func (m *Metrics) RecordAttempt() {
	m.attempts.Add(1)
}

// RecordRetry はタイムアウトによる再試行を記録する
func (m *Metrics) RecordRetry() {
	m.retries.Add(1)
}

// RecordStale は破棄された古い応答を記録する
func (m *Metrics) RecordStale() {
	m.staleReplies.Add(1)
}

// Outcome は完了した試行の記録内容
type Outcome struct {
	Commit    bool
	Requested bool // クライアントがコミットを要求したか
	Rounds    int
	Writes    int
	Latency   time.Duration
}

// RecordOutcome は完了した試行を記録する
func (m *Metrics) RecordOutcome(o Outcome) {
	if o.Commit {
		m.commits.Add(1)
	} else {
		m.aborts.Add(1)
	}
	if !o.Requested {
		m.abortRequests.Add(1)
	}
	m.rounds.Add(uint64(o.Rounds))
	m.writes.Add(uint64(o.Writes))
	m.totalLatencyNs.Add(uint64(o.Latency.Nanoseconds()))

	m.mu.Lock()
	m.windowCompleted++
	if len(m.latencies) < m.maxLatencySamples {
		m.latencies = append(m.latencies, o.Latency)
	}
	m.mu.Unlock()
}

// Attempts は試行数を返す
func (m *Metrics) Attempts() uint64 {
	return m.attempts.Load()
}

// Commits はコミット数を返す
func (m *Metrics) Commits() uint64 {
	return m.commits.Load()
}

// Aborts はアボート数を返す
func (m *Metrics) Aborts() uint64 {
	return m.aborts.Load()
}

// Completed は結果を受け取った試行数を返す
func (m *Metrics) Completed() uint64 {
	return m.commits.Load() + m.aborts.Load()
}

// Retries は再試行数を返す
func (m *Metrics) Retries() uint64 {
	return m.retries.Load()
}

// StaleReplies は破棄した応答数を返す
func (m *Metrics) StaleReplies() uint64 {
	return m.staleReplies.Load()
}

// TPS は現在のウィンドウでの完了トランザクション/秒を返す
func (m *Metrics) TPS() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elapsed := time.Since(m.lastResetTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.windowCompleted) / elapsed
}

// OverallTPS は開始からの平均TPSを返す
func (m *Metrics) OverallTPS() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.Completed()) / elapsed
}

// AverageLatency はBeginから結果までの平均時間を返す
func (m *Metrics) AverageLatency() time.Duration {
	total := m.Completed()
	if total == 0 {
		return 0
	}
	return time.Duration(m.totalLatencyNs.Load() / total)
}

// P99Latency はP99レイテンシを返す（サンプルベース）
func (m *Metrics) P99Latency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencies) == 0 {
		return 0
	}

	sorted := slices.Clone(m.latencies)
	slices.Sort(sorted)

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// CommitRate はコミット率を返す（0.0〜1.0）
func (m *Metrics) CommitRate() float64 {
	total := m.Completed()
	if total == 0 {
		return 0
	}
	return float64(m.commits.Load()) / float64(total)
}

// Reset はウィンドウメトリクスをリセットする
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windowCompleted = 0
	m.lastResetTime = time.Now()
	m.latencies = m.latencies[:0]
}

// Snapshot はメトリクスのスナップショット
type Snapshot struct {
	Attempts       uint64        `json:"attempts"`
	Commits        uint64        `json:"commits"`
	Aborts         uint64        `json:"aborts"`
	AbortRequests  uint64        `json:"abort_requests"`
	Retries        uint64        `json:"retries"`
	StaleReplies   uint64        `json:"stale_replies"`
	Rounds         uint64        `json:"rounds"`
	Writes         uint64        `json:"writes"`
	TPS            float64       `json:"tps"`
	OverallTPS     float64       `json:"overall_tps"`
	AverageLatency time.Duration `json:"average_latency"`
	P99Latency     time.Duration `json:"p99_latency"`
	CommitRate     float64       `json:"commit_rate"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Snapshot は現在のメトリクスのスナップショットを返す
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Attempts:       m.Attempts(),
		Commits:        m.Commits(),
		Aborts:         m.Aborts(),
		AbortRequests:  m.abortRequests.Load(),
		Retries:        m.Retries(),
		StaleReplies:   m.StaleReplies(),
		Rounds:         m.rounds.Load(),
		Writes:         m.writes.Load(),
		TPS:            m.TPS(),
		OverallTPS:     m.OverallTPS(),
		AverageLatency: m.AverageLatency(),
		P99Latency:     m.P99Latency(),
		CommitRate:     m.CommitRate(),
		Elapsed:        time.Since(m.startTime),
	}
}
