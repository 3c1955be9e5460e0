package txn

import (
	"errors"
	"fmt"
	"time"

	"txnload/internal/logger"
	"txnload/internal/opgen"
	"txnload/internal/protocol"
)

var (
	// ErrInvalidConfig は不正なトランザクション設定を示す
	ErrInvalidConfig = errors.New("invalid transaction config")
	// ErrNoCoordinators はコーディネーターが1つもないことを示す
	ErrNoCoordinators = errors.New("no coordinators")
)

// State はトランザクションの状態を表す
type State int

const (
	StateIdle State = iota
	StateBeginPending
	StateReading
	StateEnding
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBeginPending:
		return "begin_pending"
	case StateReading:
		return "reading"
	case StateEnding:
		return "ending"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Config はトランザクションの生成ポリシー
type Config struct {
	CommitProbability float64       // コミットを選ぶ確率
	WriteProbability  float64       // ラウンドごとに書き込む確率
	MinLength         int           // 操作数の下限（含む）
	MaxLength         int           // 操作数の上限（含む）
	AcceptTimeout     time.Duration // Begin受理までの期限
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		CommitProbability: 0.8,
		WriteProbability:  0.5,
		MinLength:         20,
		MaxLength:         40,
		AcceptTimeout:     5000 * time.Millisecond,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.CommitProbability < 0 || c.CommitProbability > 1 {
		return fmt.Errorf("%w: commit probability must be between 0 and 1", ErrInvalidConfig)
	}
	if c.WriteProbability < 0 || c.WriteProbability > 1 {
		return fmt.Errorf("%w: write probability must be between 0 and 1", ErrInvalidConfig)
	}
	if c.MinLength < 1 {
		return fmt.Errorf("%w: min length must be positive", ErrInvalidConfig)
	}
	if c.MaxLength < c.MinLength {
		return fmt.Errorf("%w: max length %d is below min length %d", ErrInvalidConfig, c.MaxLength, c.MinLength)
	}
	if c.AcceptTimeout <= 0 {
		return fmt.Errorf("%w: accept timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Environment はブートストラップで受け取る実行環境
type Environment struct {
	Coordinators []protocol.CoordinatorID
	MaxKey       int
}

// EnvironmentFrom はWelcomeから環境を作る
func EnvironmentFrom(w protocol.Welcome) Environment {
	coords := make([]protocol.CoordinatorID, len(w.Coordinators))
	copy(coords, w.Coordinators)
	return Environment{Coordinators: coords, MaxKey: w.MaxKey}
}

// Validate は環境を検証する。2つの異なるキーを読むにはMaxKey>=2が必要
func (e Environment) Validate() error {
	if len(e.Coordinators) == 0 {
		return ErrNoCoordinators
	}
	if e.MaxKey < 2 {
		return fmt.Errorf("%w: maxKey=%d", opgen.ErrKeySpaceTooSmall, e.MaxKey)
	}
	return nil
}

// Deadline はBegin受理の期限を管理する
type Deadline interface {
	Arm(d time.Duration, epoch protocol.Epoch)
	Cancel() bool
}

// Outcome は終了したトランザクションの結果
type Outcome struct {
	Epoch       protocol.Epoch
	Coordinator protocol.CoordinatorID
	Commit      bool // コーディネーターの最終判断
	Requested   bool // クライアントが要求したのがコミットか
	TargetOps   int
	DoneOps     int
	Writes      int
	Retries     int
}

// round は読み取り中の2アイテム
type round struct {
	first, second           opgen.Item
	firstKnown, secondKnown bool
}

func (r *round) complete() bool {
	return r.firstKnown && r.secondKnown
}

// Machine は1回のトランザクション試行を駆動する
type Machine struct {
	id       protocol.ClientID
	config   Config
	env      Environment
	gen      *opgen.Generator
	sender   protocol.Sender
	deadline Deadline
	epochs   *protocol.EpochCounter

	state       State
	epoch       protocol.Epoch
	accepted    bool
	coordinator protocol.CoordinatorID
	targetOps   int
	doneOps     int
	writes      int
	retries     int
	round       round
	requested   bool
	outcome     Outcome
}

// New は新しいMachineを作成する
func New(
	id protocol.ClientID,
	config Config,
	env Environment,
	gen *opgen.Generator,
	sender protocol.Sender,
	deadline Deadline,
	epochs *protocol.EpochCounter,
) *Machine {
	return &Machine{
		id:       id,
		config:   config,
		env:      env,
		gen:      gen,
		sender:   sender,
		deadline: deadline,
		epochs:   epochs,
		state:    StateIdle,
	}
}

// Start はIdleからトランザクションを開始する
func (m *Machine) Start() {
	if m.state != StateIdle {
		return
	}
	m.begin()
}

// begin はコーディネーターを選んでBeginを送り、期限を設定する
func (m *Machine) begin() {
	m.epoch = m.epochs.Next()
	m.accepted = false
	m.coordinator = m.env.Coordinators[m.gen.Choose(len(m.env.Coordinators))]
	m.targetOps = m.gen.IntRange(m.config.MinLength, m.config.MaxLength)
	m.doneOps = 0
	m.writes = 0
	m.round = round{}
	m.state = StateBeginPending

	m.send(protocol.BeginTxn{ClientID: m.id, Epoch: m.epoch})
	m.deadline.Arm(m.config.AcceptTimeout, m.epoch)

	logger.Debug(m.id.String(), "BEGIN epoch=%d coordinator=%s ops=%d", m.epoch, m.coordinator, m.targetOps)
}

// Handle はメッセージを処理する。現在の試行に無関係なものはfalseを返す
func (m *Machine) Handle(msg protocol.Message) bool {
	switch msg := msg.(type) {
	case protocol.BeginAccepted:
		return m.onAccepted(msg)
	case protocol.BeginTimeout:
		return m.onTimeout(msg)
	case protocol.ReadResult:
		return m.onReadResult(msg)
	case protocol.EndResult:
		return m.onEndResult(msg)
	default:
		return false
	}
}

func (m *Machine) onAccepted(msg protocol.BeginAccepted) bool {
	if m.state != StateBeginPending || msg.Epoch != m.epoch || m.accepted {
		logger.Debug(m.id.String(), "ignored stale accept (epoch %d, current %d)", msg.Epoch, m.epoch)
		return false
	}

	m.accepted = true
	m.deadline.Cancel()
	m.state = StateReading
	m.readTwo()
	return true
}

func (m *Machine) onTimeout(msg protocol.BeginTimeout) bool {
	if m.state != StateBeginPending || msg.Epoch != m.epoch || m.accepted {
		return false
	}

	m.retries++
	logger.Info(m.id.String(), "Timed out waiting for %s, retrying (retry %d)", m.coordinator, m.retries)
	m.begin()
	return true
}

func (m *Machine) onReadResult(msg protocol.ReadResult) bool {
	if m.state != StateReading || msg.Epoch != m.epoch {
		return false
	}

	matched := false
	if msg.Key == m.round.first.Key {
		m.round.first.Value = msg.Value
		m.round.firstKnown = true
		matched = true
	}
	if msg.Key == m.round.second.Key {
		m.round.second.Value = msg.Value
		m.round.secondKnown = true
		matched = true
	}
	if !matched {
		logger.Debug(m.id.String(), "ignored read result for key %d", msg.Key)
		return false
	}

	if !m.round.complete() {
		return true
	}

	if m.gen.Chance(m.config.WriteProbability) {
		m.writeTwo()
	}
	m.doneOps++

	if m.doneOps >= m.targetOps {
		m.end()
	} else {
		m.readTwo()
	}
	return true
}

func (m *Machine) onEndResult(msg protocol.EndResult) bool {
	if (m.state != StateEnding && m.state != StateReading) || msg.Epoch != m.epoch {
		return false
	}

	m.state = StateDone
	m.round = round{}
	m.outcome = Outcome{
		Epoch:       m.epoch,
		Coordinator: m.coordinator,
		Commit:      msg.Commit,
		Requested:   m.requested,
		TargetOps:   m.targetOps,
		DoneOps:     m.doneOps,
		Writes:      m.writes,
		Retries:     m.retries,
	}
	return true
}

// readTwo は新しいラウンドの2キーを読む
func (m *Machine) readTwo() {
	first, second, err := m.gen.PickPair(m.env.MaxKey)
	if err != nil {
		// Environment.Validate 済みなので到達しない
		logger.Error(m.id.String(), "failed to pick keys: %v", err)
		return
	}

	m.round = round{
		first:  opgen.Item{Key: first},
		second: opgen.Item{Key: second},
	}

	m.send(protocol.ReadRequest{ClientID: m.id, Epoch: m.epoch, Key: first})
	m.send(protocol.ReadRequest{ClientID: m.id, Epoch: m.epoch, Key: second})

	logger.Debug(m.id.String(), "READ #%d (%d), (%d)", m.doneOps, first, second)
}

// writeTwo は1つ目から2つ目へ値を移す書き込みを送る（応答は待たない）
func (m *Machine) writeTwo() {
	tr := m.gen.Transfer(m.round.first, m.round.second)

	m.send(protocol.WriteRequest{ClientID: m.id, Epoch: m.epoch, Key: tr.Debit.Key, Value: tr.Debit.Value})
	m.send(protocol.WriteRequest{ClientID: m.id, Epoch: m.epoch, Key: tr.Credit.Key, Value: tr.Credit.Value})
	m.writes++

	logger.Debug(m.id.String(), "WRITE #%d taken %d (%d, %d), (%d, %d)",
		m.doneOps, tr.Amount, tr.Debit.Key, tr.Debit.Value, tr.Credit.Key, tr.Credit.Value)
}

// end はコミット判断を送り、結果を待つ
func (m *Machine) end() {
	m.requested = m.gen.Chance(m.config.CommitProbability)
	m.state = StateEnding
	m.round = round{}

	m.send(protocol.EndTxn{ClientID: m.id, Epoch: m.epoch, Commit: m.requested})

	logger.Debug(m.id.String(), "END epoch=%d commit=%v", m.epoch, m.requested)
}

func (m *Machine) send(msg protocol.Message) {
	if err := m.sender.Send(m.coordinator, msg); err != nil {
		logger.Debug(m.id.String(), "failed to send %s to %s: %v", msg.Kind(), m.coordinator, err)
	}
}

// State は現在の状態を返す
func (m *Machine) State() State {
	return m.state
}

// Epoch は現在のEpochを返す
func (m *Machine) Epoch() protocol.Epoch {
	return m.epoch
}

// Accepted はBeginが受理されたかを返す
func (m *Machine) Accepted() bool {
	return m.accepted
}

// Coordinator は現在のコーディネーターを返す
func (m *Machine) Coordinator() protocol.CoordinatorID {
	return m.coordinator
}

// TargetOps は目標の操作数を返す
func (m *Machine) TargetOps() int {
	return m.targetOps
}

// DoneOps は完了したラウンド数を返す
func (m *Machine) DoneOps() int {
	return m.doneOps
}

// Retries はタイムアウトによる再試行回数を返す
func (m *Machine) Retries() int {
	return m.retries
}

// PendingKeys は読み取り中の2キーを返す
func (m *Machine) PendingKeys() (first, second int, ok bool) {
	if m.state != StateReading {
		return 0, 0, false
	}
	return m.round.first.Key, m.round.second.Key, true
}

// Outcome は終了したトランザクションの結果を返す
func (m *Machine) Outcome() (Outcome, bool) {
	if m.state != StateDone {
		return Outcome{}, false
	}
	return m.outcome, true
}
