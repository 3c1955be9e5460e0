package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"txnload/internal/logger"
	"txnload/internal/protocol"
	"txnload/internal/store"
)

// ErrStopped は停止中のコーディネーターへの送信を示す
var ErrStopped = errors.New("coordinator stopped")

// Status はコーディネーターの状態を表す
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Directory はクライアントへの応答の配送先
type Directory interface {
	Deliver(id protocol.ClientID, msg protocol.Message) bool
}

// Stats はコーディネーターの統計
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Committed uint64 `json:"committed"`
	Aborted   uint64 `json:"aborted"`
	Conflicts uint64 `json:"conflicts"`
	Dropped   uint64 `json:"dropped"`
	InFlight  int64  `json:"in_flight"`
}

// workspace はクライアントごとの進行中トランザクション
type workspace struct {
	epoch   protocol.Epoch
	readSet map[int]uint64
	writes  map[int]int
}

// Coordinator はプロトコルに応答するシミュレーション用のコーディネーター
// メッセージは自身のメールボックスから1つずつ順に処理する
type Coordinator struct {
	id    protocol.CoordinatorID
	store *store.Store
	dir   Directory

	lifecycle sync.Mutex // Start/Stopを直列化する

	mu     sync.RWMutex
	status Status
	delay  time.Duration
	inbox  *protocol.Mailbox
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// txns はループゴルーチン（停止後はStop）だけが触る
	txns map[protocol.ClientID]*workspace

	accepted  atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
	conflicts atomic.Uint64
	dropped   atomic.Uint64
	inFlight  atomic.Int64
}

// New は新しいコーディネーターを作成する
func New(id protocol.CoordinatorID, s *store.Store, dir Directory) *Coordinator {
	return &Coordinator{
		id:     id,
		store:  s,
		dir:    dir,
		status: StatusStopped,
		txns:   make(map[protocol.ClientID]*workspace),
	}
}

// ID はコーディネーターIDを返す
func (c *Coordinator) ID() protocol.CoordinatorID {
	return c.id
}

// Start はコーディネーターを起動する
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.status != StatusStopped {
		c.mu.Unlock()
		return fmt.Errorf("coordinator %s is already running", c.id)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.inbox = protocol.NewMailbox()
	c.cancel = cancel
	c.status = StatusRunning
	inbox := c.inbox
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(loopCtx, inbox)

	logger.Info(string(c.id), "Coordinator started")
	return nil
}

// Stop はコーディネーターを停止し、進行中のトランザクションをアボートする
func (c *Coordinator) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.status == StatusStopped {
		c.mu.Unlock()
		return fmt.Errorf("coordinator %s is already stopped", c.id)
	}
	c.status = StatusStopped
	cancel := c.cancel
	inbox := c.inbox
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	inbox.Close()

	aborted := c.abortInFlight()
	logger.Info(string(c.id), "Coordinator stopped (aborted %d in-flight transactions)", aborted)
	return nil
}

// abortInFlight は進行中の全トランザクションにアボートを通知する
func (c *Coordinator) abortInFlight() int {
	n := 0
	for client, ws := range c.txns {
		c.dir.Deliver(client, protocol.EndResult{Epoch: ws.epoch, Commit: false})
		c.aborted.Add(1)
		n++
	}
	clear(c.txns)
	c.inFlight.Store(0)
	return n
}

// Status はコーディネーターの現在のステータスを返す
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Suspend はコーディネーターを一時停止する
// 一時停止中は新しいBeginを無視し、進行中のトランザクションは処理を続ける
func (c *Coordinator) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusRunning {
		return fmt.Errorf("coordinator %s is not running", c.id)
	}

	c.status = StatusSuspended
	logger.Info(string(c.id), "Coordinator suspended")
	return nil
}

// Resume は一時停止中のコーディネーターを再開する
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusSuspended {
		return fmt.Errorf("coordinator %s is not suspended", c.id)
	}

	c.status = StatusRunning
	logger.Info(string(c.id), "Coordinator resumed")
	return nil
}

// SetDelay は応答遅延を設定する
func (c *Coordinator) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
	if d > 0 {
		logger.Info(string(c.id), "Delay set to %v", d)
	} else {
		logger.Info(string(c.id), "Delay cleared")
	}
}

// Delay は現在の遅延設定を返す
func (c *Coordinator) Delay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delay
}

// Submit はメッセージをメールボックスに入れる
func (c *Coordinator) Submit(msg protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.status == StatusStopped || c.inbox == nil {
		return fmt.Errorf("%w: %s", ErrStopped, c.id)
	}
	if !c.inbox.Put(msg) {
		return fmt.Errorf("%w: %s", ErrStopped, c.id)
	}
	return nil
}

// loop はメールボックスのメッセージを順に処理する
func (c *Coordinator) loop(ctx context.Context, inbox *protocol.Mailbox) {
	defer c.wg.Done()

	for {
		msg, err := inbox.Take(ctx)
		if err != nil {
			return
		}

		if d := c.Delay(); d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}

		c.handle(msg)
	}
}

// handle は1つのメッセージを処理する
func (c *Coordinator) handle(msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.BeginTxn:
		c.onBegin(msg)
	case protocol.ReadRequest:
		c.onRead(msg)
	case protocol.WriteRequest:
		c.onWrite(msg)
	case protocol.EndTxn:
		c.onEnd(msg)
	default:
		c.dropped.Add(1)
	}
}

func (c *Coordinator) onBegin(msg protocol.BeginTxn) {
	if c.Status() == StatusSuspended {
		c.dropped.Add(1)
		return
	}

	if _, exists := c.txns[msg.ClientID]; !exists {
		c.inFlight.Add(1)
	}
	// 同じクライアントの再試行は古いワークスペースを置き換える
	c.txns[msg.ClientID] = &workspace{
		epoch:   msg.Epoch,
		readSet: make(map[int]uint64),
		writes:  make(map[int]int),
	}
	c.accepted.Add(1)
	c.dir.Deliver(msg.ClientID, protocol.BeginAccepted{Epoch: msg.Epoch})
}

// lookup は現在のEpochのワークスペースを返す
func (c *Coordinator) lookup(client protocol.ClientID, epoch protocol.Epoch) (*workspace, bool) {
	ws, ok := c.txns[client]
	if !ok || ws.epoch != epoch {
		c.dropped.Add(1)
		return nil, false
	}
	return ws, true
}

func (c *Coordinator) onRead(msg protocol.ReadRequest) {
	ws, ok := c.lookup(msg.ClientID, msg.Epoch)
	if !ok {
		return
	}

	// 自分の書き込みは読める
	if v, written := ws.writes[msg.Key]; written {
		c.dir.Deliver(msg.ClientID, protocol.ReadResult{Epoch: msg.Epoch, Key: msg.Key, Value: v})
		return
	}

	item, err := c.store.Read(msg.Key)
	if err != nil {
		// 読めないキーを含むトランザクションはアボートする
		logger.Warn(string(c.id), "read from %s failed, aborting: %v", msg.ClientID, err)
		delete(c.txns, msg.ClientID)
		c.inFlight.Add(-1)
		c.aborted.Add(1)
		c.dir.Deliver(msg.ClientID, protocol.EndResult{Epoch: msg.Epoch, Commit: false})
		return
	}
	if _, seen := ws.readSet[msg.Key]; !seen {
		ws.readSet[msg.Key] = item.Version
	}
	c.dir.Deliver(msg.ClientID, protocol.ReadResult{Epoch: msg.Epoch, Key: msg.Key, Value: item.Value})
}

func (c *Coordinator) onWrite(msg protocol.WriteRequest) {
	ws, ok := c.lookup(msg.ClientID, msg.Epoch)
	if !ok {
		return
	}
	ws.writes[msg.Key] = msg.Value
}

func (c *Coordinator) onEnd(msg protocol.EndTxn) {
	ws, ok := c.lookup(msg.ClientID, msg.Epoch)
	if !ok {
		return
	}
	delete(c.txns, msg.ClientID)
	c.inFlight.Add(-1)

	commit := false
	if msg.Commit {
		if err := c.store.Commit(ws.readSet, ws.writes); err != nil {
			if errors.Is(err, store.ErrConflict) {
				c.conflicts.Add(1)
			}
			logger.Debug(string(c.id), "commit for %s rejected: %v", msg.ClientID, err)
		} else {
			commit = true
		}
	}

	if commit {
		c.committed.Add(1)
	} else {
		c.aborted.Add(1)
	}
	c.dir.Deliver(msg.ClientID, protocol.EndResult{Epoch: msg.Epoch, Commit: commit})
}

// Stats は統計を返す
func (c *Coordinator) Stats() Stats {
	return Stats{
		Accepted:  c.accepted.Load(),
		Committed: c.committed.Load(),
		Aborted:   c.aborted.Load(),
		Conflicts: c.conflicts.Load(),
		Dropped:   c.dropped.Load(),
		InFlight:  c.inFlight.Load(),
	}
}
