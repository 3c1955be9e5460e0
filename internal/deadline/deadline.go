package deadline

import (
	"sync"
	"time"

	"txnload/internal/protocol"
)

// Deliverer はタイムアウトの配送先（セッションのメールボックス）
type Deliverer interface {
	Put(msg protocol.Message) bool
}

// Timer は1つだけ保留できるBeginの期限
type Timer struct {
	mu      sync.Mutex
	deliver Deliverer
	timer   *time.Timer
	epoch   protocol.Epoch
	armed   bool
}

// New は新しいTimerを作成する
func New(deliver Deliverer) *Timer {
	return &Timer{deliver: deliver}
}

// Arm はd経過後にBeginTimeoutを配送する。既存の期限は置き換える
func (t *Timer) Arm(d time.Duration, epoch protocol.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	t.epoch = epoch
	t.armed = true
	t.timer = time.AfterFunc(d, func() { t.fire(epoch) })
}

// fire は期限切れを通常のメッセージとして配送する
func (t *Timer) fire(epoch protocol.Epoch) {
	t.mu.Lock()
	if !t.armed || t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.mu.Unlock()

	t.deliver.Put(protocol.BeginTimeout{Epoch: epoch})
}

// Cancel は保留中の期限を取り消す。発火済みなら何もしない
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return false
	}
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Pending は期限が保留中かどうかを返す
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
