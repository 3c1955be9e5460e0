package protocol

import "fmt"

// ClientID はクライアントの識別子
type ClientID int

func (id ClientID) String() string {
	return fmt.Sprintf("client-%d", id)
}

// CoordinatorID はコーディネーターのエンドポイント名
type CoordinatorID string

// Epoch はセッション内でBeginごとに増加するトークン
// 古いトランザクションへの応答を識別するために使う
type Epoch uint64

// EpochCounter はEpochを払い出す（単一ゴルーチンからのみ使用）
type EpochCounter struct {
	last Epoch
}

// Next は次のEpochを返す
func (c *EpochCounter) Next() Epoch {
	c.last++
	return c.last
}

// Current は最後に払い出したEpochを返す
func (c *EpochCounter) Current() Epoch {
	return c.last
}

// Message はプロトコルメッセージを表す
type Message interface {
	Kind() string
}

// Welcome はブートストラップ時に一度だけ届く環境情報
type Welcome struct {
	Coordinators []CoordinatorID
	MaxKey       int
}

// Shutdown はセッションの即時終了を指示する
type Shutdown struct{}

// BeginTxn はトランザクション開始要求
type BeginTxn struct {
	ClientID ClientID
	Epoch    Epoch
}

// BeginAccepted はコーディネーターが開始を受理したことを示す
type BeginAccepted struct {
	Epoch Epoch
}

// BeginTimeout は自分宛てにスケジュールされたタイムアウト
type BeginTimeout struct {
	Epoch Epoch
}

// ReadRequest はキーの読み取り要求
type ReadRequest struct {
	ClientID ClientID
	Epoch    Epoch
	Key      int
}

// ReadResult はReadRequestへの応答
type ReadResult struct {
	Epoch Epoch
	Key   int
	Value int
}

// WriteRequest は値の更新要求
type WriteRequest struct {
	ClientID ClientID
	Epoch    Epoch
	Key      int
	Value    int
}

// EndTxn はコミットまたはアボートの要求
type EndTxn struct {
	ClientID ClientID
	Epoch    Epoch
	Commit   bool
}

// EndResult はトランザクションの最終結果
type EndResult struct {
	Epoch  Epoch
	Commit bool
}

func (Welcome) Kind() string       { return "welcome" }
func (Shutdown) Kind() string      { return "shutdown" }
func (BeginTxn) Kind() string      { return "begin" }
func (BeginAccepted) Kind() string { return "begin_accepted" }
func (BeginTimeout) Kind() string  { return "begin_timeout" }
func (ReadRequest) Kind() string   { return "read" }
func (ReadResult) Kind() string    { return "read_result" }
func (WriteRequest) Kind() string  { return "write" }
func (EndTxn) Kind() string        { return "end" }
func (EndResult) Kind() string     { return "end_result" }

// Sender はコーディネーターへメッセージを送信する
type Sender interface {
	Send(to CoordinatorID, msg Message) error
}

// SenderFunc は関数をSenderとして扱うアダプタ
type SenderFunc func(to CoordinatorID, msg Message) error

// Send はfを呼び出す
func (f SenderFunc) Send(to CoordinatorID, msg Message) error {
	return f(to, msg)
}
