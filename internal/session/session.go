package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"txnload/internal/deadline"
	"txnload/internal/events"
	"txnload/internal/logger"
	"txnload/internal/metrics"
	"txnload/internal/opgen"
	"txnload/internal/protocol"
	"txnload/internal/txn"
)

var (
	// ErrInvalidEnvironment はWelcomeの内容では試行を始められないことを示す
	ErrInvalidEnvironment = errors.New("invalid environment")
	// ErrAlreadyRunning はRunの二重呼び出しを示す
	ErrAlreadyRunning = errors.New("session already running")
)

// Mode は試行終了後の振る舞い
type Mode int

const (
	// ModeContinuous は終了後に次の試行をスケジュールする
	ModeContinuous Mode = iota
	// ModeSingle は1回の試行後に待機状態になる
	ModeSingle
)

func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeSingle:
		return "single"
	default:
		return "unknown"
	}
}

// ParseMode は文字列からModeを返す
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "continuous":
		return ModeContinuous, nil
	case "single":
		return ModeSingle, nil
	default:
		return ModeContinuous, fmt.Errorf("unknown session mode: %q", s)
	}
}

// Config はセッションの設定
type Config struct {
	Txn           txn.Config
	Mode          Mode
	InterTxnDelay time.Duration // 試行間の待ち時間（continuousのみ）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Txn:           txn.DefaultConfig(),
		Mode:          ModeContinuous,
		InterTxnDelay: 10 * time.Millisecond,
	}
}

// Stats はセッションのカウンタ
type Stats struct {
	Attempted uint64 `json:"attempted"`
	Committed uint64 `json:"committed"`
}

// nextAttempt は次の試行を始める自分宛てのメッセージ
type nextAttempt struct{}

func (nextAttempt) Kind() string { return "next_attempt" }

// Session は1クライアントのアクター
// メールボックスのメッセージはRunのゴルーチンだけが処理する
type Session struct {
	id      protocol.ClientID
	config  Config
	sender  protocol.Sender
	gen     *opgen.Generator
	mailbox *protocol.Mailbox
	timer   *deadline.Timer

	metrics  *metrics.Metrics
	eventBus *events.Bus

	// 以下はRunのゴルーチンだけが触る
	epochs    protocol.EpochCounter
	env       txn.Environment
	welcomed  bool
	machine   *txn.Machine
	startedAt time.Time
	restart   *time.Timer

	// 書き込みはRunのゴルーチンのみ、読み取りはどこからでも
	attempted atomic.Uint64
	committed atomic.Uint64

	running  atomic.Bool
	idle     chan struct{}
	idleOnce sync.Once
}

// New は新しいセッションを作成する
func New(id protocol.ClientID, config Config, sender protocol.Sender, rng opgen.Rand) *Session {
	mb := protocol.NewMailbox()
	return &Session{
		id:      id,
		config:  config,
		sender:  sender,
		gen:     opgen.New(rng),
		mailbox: mb,
		timer:   deadline.New(mb),
		idle:    make(chan struct{}),
	}
}

// SetMetrics はメトリクスの記録先を設定する
func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetEventBus はイベントバスを設定する
func (s *Session) SetEventBus(bus *events.Bus) {
	s.eventBus = bus
}

// publishEvent はイベントを発行する
func (s *Session) publishEvent(event events.Event) {
	if s.eventBus != nil {
		s.eventBus.Publish(event)
	}
}

// ID はクライアントIDを返す
func (s *Session) ID() protocol.ClientID {
	return s.id
}

// Mailbox は受信メールボックスを返す
func (s *Session) Mailbox() *protocol.Mailbox {
	return s.mailbox
}

// Deliver はメッセージをメールボックスに入れる
func (s *Session) Deliver(msg protocol.Message) bool {
	return s.mailbox.Put(msg)
}

// Idle はsingleモードで試行が終わると閉じるチャネルを返す
func (s *Session) Idle() <-chan struct{} {
	return s.idle
}

// Stats はカウンタを返す
func (s *Session) Stats() Stats {
	return Stats{
		Attempted: s.attempted.Load(),
		Committed: s.committed.Load(),
	}
}

// Run はShutdownを受け取るかコンテキストが終了するまでメッセージを処理する
func (s *Session) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.id)
	}
	defer s.teardown()

	for {
		msg, err := s.mailbox.Take(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMailboxClosed) {
				return nil
			}
			logger.Debug(s.id.String(), "Session cancelled: %v", err)
			return err
		}

		switch msg := msg.(type) {
		case protocol.Welcome:
			if err := s.onWelcome(msg); err != nil {
				logger.Error(s.id.String(), "%v", err)
				return err
			}
		case protocol.Shutdown:
			logger.Debug(s.id.String(), "Shutdown received")
			return nil
		case nextAttempt:
			s.startAttempt()
		default:
			s.onTxnMessage(msg)
		}
	}
}

// teardown はタイマーを止め、メールボックスを閉じる
func (s *Session) teardown() {
	s.timer.Cancel()
	if s.restart != nil {
		s.restart.Stop()
	}
	s.mailbox.Close()
	s.markIdle()
}

func (s *Session) onWelcome(msg protocol.Welcome) error {
	if s.welcomed {
		logger.Debug(s.id.String(), "ignored duplicate welcome")
		return nil
	}

	env := txn.EnvironmentFrom(msg)
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvironment, err)
	}
	if err := s.config.Txn.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvironment, err)
	}

	s.env = env
	s.welcomed = true
	logger.Info(s.id.String(), "Welcome received (coordinators: %d, maxKey: %d)", len(env.Coordinators), env.MaxKey)

	s.startAttempt()
	return nil
}

// startAttempt は新しいトランザクション試行を開始する
func (s *Session) startAttempt() {
	if !s.welcomed {
		return
	}

	s.machine = txn.New(s.id, s.config.Txn, s.env, s.gen, s.sender, s.timer, &s.epochs)
	s.attempted.Add(1)
	s.startedAt = time.Now()
	if s.metrics != nil {
		s.metrics.RecordAttempt()
	}

	s.machine.Start()
}

func (s *Session) onTxnMessage(msg protocol.Message) {
	if s.machine == nil {
		s.recordStale(msg)
		return
	}

	before := s.machine.Coordinator()
	if !s.machine.Handle(msg) {
		s.recordStale(msg)
		return
	}

	if _, ok := msg.(protocol.BeginTimeout); ok {
		if s.metrics != nil {
			s.metrics.RecordRetry()
		}
		s.publishEvent(events.NewTxnRetryEvent(s.id.String(), s.machine.Retries(), string(before)))
	}

	if outcome, done := s.machine.Outcome(); done {
		s.conclude(outcome)
	}
}

func (s *Session) recordStale(msg protocol.Message) {
	logger.Debug(s.id.String(), "dropped %s", msg.Kind())
	if s.metrics != nil {
		s.metrics.RecordStale()
	}
}

// conclude は終了した試行を記録し、モードに従って次を決める
func (s *Session) conclude(o txn.Outcome) {
	attempted := s.attempted.Load()
	if o.Commit {
		committed := s.committed.Add(1)
		logger.Info(s.id.String(), "COMMIT OK (%d/%d)", committed, attempted)
	} else {
		logger.Info(s.id.String(), "COMMIT FAIL (%d/%d)", attempted-s.committed.Load(), attempted)
	}

	if s.metrics != nil {
		s.metrics.RecordOutcome(metrics.Outcome{
			Commit:    o.Commit,
			Requested: o.Requested,
			Rounds:    o.DoneOps,
			Writes:    o.Writes,
			Latency:   time.Since(s.startedAt),
		})
	}
	s.publishEvent(events.NewTxnResultEvent(s.id.String(), o.Commit, uint64(o.Epoch), string(o.Coordinator), o.DoneOps))

	switch s.config.Mode {
	case ModeSingle:
		s.markIdle()
	default:
		s.scheduleNext()
	}
}

// scheduleNext は待ち時間の後に次の試行をメールボックスに届ける
func (s *Session) scheduleNext() {
	if s.config.InterTxnDelay <= 0 {
		s.mailbox.Put(nextAttempt{})
		return
	}
	mb := s.mailbox
	s.restart = time.AfterFunc(s.config.InterTxnDelay, func() {
		mb.Put(nextAttempt{})
	})
}

func (s *Session) markIdle() {
	s.idleOnce.Do(func() { close(s.idle) })
}
