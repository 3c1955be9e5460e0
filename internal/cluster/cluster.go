package cluster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"txnload/internal/coordinator"
	"txnload/internal/logger"
	"txnload/internal/protocol"
	"txnload/internal/store"
)

var (
	// ErrUnknownCoordinator は存在しないコーディネーターへの送信を示す
	ErrUnknownCoordinator = errors.New("unknown coordinator")
	// ErrUnknownClient は登録されていないクライアントを示す
	ErrUnknownClient = errors.New("unknown client")
)

// Manager はクラスタ管理の基本操作を定義するインターフェース
type Manager interface {
	AddCoordinator(c *coordinator.Coordinator) error
	RemoveCoordinator(id protocol.CoordinatorID) error
	GetCoordinator(id protocol.CoordinatorID) (*coordinator.Coordinator, bool)
	Coordinators() []*coordinator.Coordinator
	StartAll(ctx context.Context) error
	StopAll() error
	Size() int
	RunningCount() int
}

// Ensure Cluster implements Manager
var _ Manager = (*Cluster)(nil)

// Ensure Cluster can be used as a session transport and reply directory
var (
	_ protocol.Sender       = (*Cluster)(nil)
	_ coordinator.Directory = (*Cluster)(nil)
)

// Config はクラスタの設定
type Config struct {
	MaxKey       int // キー空間は [0, MaxKey]
	InitialValue int // 各アイテムの初期値
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		MaxKey:       100,
		InitialValue: 1000,
	}
}

// Cluster はコーディネーター群、アイテムストア、クライアントの宛先を管理する
type Cluster struct {
	config Config
	store  *store.Store

	mu           sync.RWMutex
	coordinators map[protocol.CoordinatorID]*coordinator.Coordinator
	clients      map[protocol.ClientID]*protocol.Mailbox
	ctx          context.Context
}

// New は新しいクラスタを作成し、ストアを初期値で埋める
func New(config Config) *Cluster {
	s := store.New()
	s.Seed(config.MaxKey, config.InitialValue)

	return &Cluster{
		config:       config,
		store:        s,
		coordinators: make(map[protocol.CoordinatorID]*coordinator.Coordinator),
		clients:      make(map[protocol.ClientID]*protocol.Mailbox),
	}
}

// Store は共有のアイテムストアを返す
func (c *Cluster) Store() *store.Store {
	return c.store
}

// Config はクラスタの設定を返す
func (c *Cluster) Config() Config {
	return c.config
}

// AddCoordinator はクラスタにコーディネーターを追加する
func (c *Cluster) AddCoordinator(co *coordinator.Coordinator) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.coordinators[co.ID()]; exists {
		return fmt.Errorf("coordinator %s already exists in cluster", co.ID())
	}

	c.coordinators[co.ID()] = co
	logger.Debug("", "Coordinator %s added to cluster", co.ID())
	return nil
}

// RemoveCoordinator はクラスタからコーディネーターを削除する
func (c *Cluster) RemoveCoordinator(id protocol.CoordinatorID) error {
	c.mu.Lock()
	co, exists := c.coordinators[id]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCoordinator, id)
	}
	delete(c.coordinators, id)
	c.mu.Unlock()

	// Stop は中断通知をDeliverで配送するのでロックの外で呼ぶ
	if co.Status() != coordinator.StatusStopped {
		_ = co.Stop()
	}

	logger.Debug("", "Coordinator %s removed from cluster", id)
	return nil
}

// GetCoordinator はIDでコーディネーターを取得する
func (c *Cluster) GetCoordinator(id protocol.CoordinatorID) (*coordinator.Coordinator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	co, exists := c.coordinators[id]
	return co, exists
}

// Coordinators はID順に全てのコーディネーターを返す
func (c *Cluster) Coordinators() []*coordinator.Coordinator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]*coordinator.Coordinator, 0, len(c.coordinators))
	for _, co := range c.coordinators {
		list = append(list, co)
	}
	slices.SortFunc(list, func(a, b *coordinator.Coordinator) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return list
}

// CoordinatorIDs はID順に全てのコーディネーターIDを返す
func (c *Cluster) CoordinatorIDs() []protocol.CoordinatorID {
	list := c.Coordinators()
	ids := make([]protocol.CoordinatorID, len(list))
	for i, co := range list {
		ids[i] = co.ID()
	}
	return ids
}

// Welcome はクライアントに配るブートストラップ情報を返す
func (c *Cluster) Welcome() protocol.Welcome {
	return protocol.Welcome{
		Coordinators: c.CoordinatorIDs(),
		MaxKey:       c.config.MaxKey,
	}
}

// StartAll は全てのコーディネーターを起動する
func (c *Cluster) StartAll(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	list := c.Coordinators()
	logger.Info("", "Starting all coordinators in cluster (count: %d)", len(list))

	errs := c.each(list, func(co *coordinator.Coordinator) error {
		return co.Start(ctx)
	})
	if len(errs) > 0 {
		logger.Error("", "Failed to start %d coordinators", len(errs))
		return fmt.Errorf("failed to start %d coordinators: %w", len(errs), errors.Join(errs...))
	}

	logger.Info("", "All coordinators started successfully")
	return nil
}

// StopAll は全てのコーディネーターを停止する
func (c *Cluster) StopAll() error {
	list := c.Coordinators()
	logger.Info("", "Stopping all coordinators in cluster (count: %d)", len(list))

	errs := c.each(list, func(co *coordinator.Coordinator) error {
		return co.Stop()
	})
	if len(errs) > 0 {
		logger.Warn("", "Failed to stop %d coordinators (may already be stopped)", len(errs))
	}

	logger.Info("", "All coordinators stopped")
	return nil
}

// each は全てのコーディネーターに並行してfを適用する
func (c *Cluster) each(list []*coordinator.Coordinator, f func(*coordinator.Coordinator) error) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(list))

	for _, co := range list {
		wg.Add(1)
		go func(co *coordinator.Coordinator) {
			defer wg.Done()
			if err := f(co); err != nil {
				errCh <- err
			}
		}(co)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

// Context はStartAllに渡されたコンテキストを返す
func (c *Cluster) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Size はクラスタ内のコーディネーター数を返す
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.coordinators)
}

// RunningCount は実行中のコーディネーター数を返す
func (c *Cluster) RunningCount() int {
	return c.countStatus(coordinator.StatusRunning)
}

// SuspendedCount は一時停止中のコーディネーター数を返す
func (c *Cluster) SuspendedCount() int {
	return c.countStatus(coordinator.StatusSuspended)
}

// StoppedCount は停止中のコーディネーター数を返す
func (c *Cluster) StoppedCount() int {
	return c.countStatus(coordinator.StatusStopped)
}

func (c *Cluster) countStatus(status coordinator.Status) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, co := range c.coordinators {
		if co.Status() == status {
			count++
		}
	}
	return count
}

// CreateCoordinators は指定された数のコーディネーターを作成してクラスタに追加する
func (c *Cluster) CreateCoordinators(count int, prefix string) error {
	logger.Info("", "Creating %d coordinators with prefix '%s'", count, prefix)

	for i := range count {
		id := protocol.CoordinatorID(fmt.Sprintf("%s-%d", prefix, i+1))
		if err := c.AddCoordinator(coordinator.New(id, c.store, c)); err != nil {
			return err
		}
	}

	logger.Info("", "Created %d coordinators successfully", count)
	return nil
}

// Register はクライアントの受信メールボックスを登録する
func (c *Cluster) Register(id protocol.ClientID, mb *protocol.Mailbox) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.clients[id]; exists {
		return fmt.Errorf("client %s already registered", id)
	}
	c.clients[id] = mb
	return nil
}

// Unregister はクライアントの登録を解除する
func (c *Cluster) Unregister(id protocol.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, id)
}

// ClientCount は登録されているクライアント数を返す
func (c *Cluster) ClientCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// Deliver はクライアントにメッセージを届ける
func (c *Cluster) Deliver(id protocol.ClientID, msg protocol.Message) bool {
	c.mu.RLock()
	mb, ok := c.clients[id]
	c.mu.RUnlock()

	if !ok {
		return false
	}
	return mb.Put(msg)
}

// Broadcast は全てのクライアントにメッセージを届ける
func (c *Cluster) Broadcast(msg protocol.Message) int {
	c.mu.RLock()
	boxes := make([]*protocol.Mailbox, 0, len(c.clients))
	for _, mb := range c.clients {
		boxes = append(boxes, mb)
	}
	c.mu.RUnlock()

	n := 0
	for _, mb := range boxes {
		if mb.Put(msg) {
			n++
		}
	}
	return n
}

// Send はコーディネーターにメッセージを送る
func (c *Cluster) Send(to protocol.CoordinatorID, msg protocol.Message) error {
	co, ok := c.GetCoordinator(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCoordinator, to)
	}
	return co.Submit(msg)
}

// Total はストア内の値の合計を返す
func (c *Cluster) Total() int {
	return c.store.Sum()
}

// ExpectedTotal は値の移動だけが行われた場合の合計を返す
func (c *Cluster) ExpectedTotal() int {
	return (c.config.MaxKey + 1) * c.config.InitialValue
}

// Stats は全コーディネーターの統計を合算する
func (c *Cluster) Stats() coordinator.Stats {
	var total coordinator.Stats
	for _, co := range c.Coordinators() {
		s := co.Stats()
		total.Accepted += s.Accepted
		total.Committed += s.Committed
		total.Aborted += s.Aborted
		total.Conflicts += s.Conflicts
		total.Dropped += s.Dropped
		total.InFlight += s.InFlight
	}
	return total
}
