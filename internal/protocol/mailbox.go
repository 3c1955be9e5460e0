package protocol

import (
	"context"
	"errors"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// ErrMailboxClosed はクローズ済みのメールボックスを示す
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox は上限のないFIFOキュー
// 複数の送信者と単一の受信者を想定する
// Shutdown は滞留中のメッセージより先に取り出される
type Mailbox struct {
	mu     sync.Mutex
	queue  *linkedlistqueue.Queue
	urgent *linkedlistqueue.Queue
	ready  chan struct{}
	closed bool
}

// NewMailbox は新しいメールボックスを作成する
func NewMailbox() *Mailbox {
	return &Mailbox{
		queue:  linkedlistqueue.New(),
		urgent: linkedlistqueue.New(),
		ready:  make(chan struct{}, 1),
	}
}

// Put はメッセージを追加する。クローズ後はfalseを返す
func (m *Mailbox) Put(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, ok := msg.(Shutdown); ok {
		m.urgent.Enqueue(msg)
	} else {
		m.queue.Enqueue(msg)
	}
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// TryTake はメッセージがあれば取り出す
func (m *Mailbox) TryTake() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.urgent.Dequeue()
	if !ok {
		v, ok = m.queue.Dequeue()
	}
	if !ok {
		return nil, false
	}
	return v.(Message), true
}

// Take はメッセージが届くかコンテキストが終了するまで待つ
func (m *Mailbox) Take(ctx context.Context) (Message, error) {
	for {
		if msg, ok := m.TryTake(); ok {
			return msg, nil
		}
		if m.isClosed() {
			return nil, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.ready:
		}
	}
}

// Len は滞留しているメッセージ数を返す
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urgent.Size() + m.queue.Size()
}

// Close はメールボックスを閉じ、待機中のTakeを起こす
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue.Clear()
	m.urgent.Clear()
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
