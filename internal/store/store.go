package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// ErrNotFound は存在しないキーを示す
var ErrNotFound = errors.New("item not found")

// ErrConflict は読み取り後に他のトランザクションが更新したことを示す
var ErrConflict = errors.New("version conflict")

// Item はバージョン付きのアイテム
type Item struct {
	Key     int
	Value   int
	Version uint64
}

func lessItem(a, b Item) bool {
	return a.Key < b.Key
}

// Store はキー順に並んだアイテムの集合
// google/btree の書き込みは並行安全ではないのでロックで保護する
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Item]
}

// New は新しいStoreを作成する
func New() *Store {
	return &Store{
		tree: btree.NewG(32, lessItem),
	}
}

// Seed は [0, maxKey] の全アイテムを初期値で作成する
func (s *Store) Seed(maxKey, initial int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Clear(false)
	for k := 0; k <= maxKey; k++ {
		s.tree.ReplaceOrInsert(Item{Key: k, Value: initial})
	}
}

// Read はアイテムを返す
func (s *Store) Read(key int) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.tree.Get(Item{Key: key})
	if !ok {
		return Item{}, fmt.Errorf("%w: key %d", ErrNotFound, key)
	}
	return item, nil
}

// Commit は読み取りバージョンを検証してから書き込みを適用する
// 検証と適用は1回のロック内で行う
func (s *Store) Commit(readSet map[int]uint64, writes map[int]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range readSet {
		item, ok := s.tree.Get(Item{Key: key})
		if !ok {
			return fmt.Errorf("%w: key %d", ErrNotFound, key)
		}
		if item.Version != version {
			return fmt.Errorf("%w: key %d (read v%d, now v%d)", ErrConflict, key, version, item.Version)
		}
	}

	for key, value := range writes {
		item, ok := s.tree.Get(Item{Key: key})
		if !ok {
			return fmt.Errorf("%w: key %d", ErrNotFound, key)
		}
		item.Value = value
		item.Version++
		s.tree.ReplaceOrInsert(item)
	}
	return nil
}

// Sum は全アイテムの値の合計を返す
func (s *Store) Sum() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	s.tree.Ascend(func(item Item) bool {
		total += item.Value
		return true
	})
	return total
}

// Negative は値が負になっているキーを返す
func (s *Store) Negative() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []int
	s.tree.Ascend(func(item Item) bool {
		if item.Value < 0 {
			keys = append(keys, item.Key)
		}
		return true
	})
	return keys
}

// Range は [from, to] のアイテムをキー順に返す
func (s *Store) Range(from, to int) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	s.tree.AscendRange(Item{Key: from}, Item{Key: to + 1}, func(item Item) bool {
		items = append(items, item)
		return true
	})
	return items
}

// Len はアイテム数を返す
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
