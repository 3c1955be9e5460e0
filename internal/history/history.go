package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"txnload/internal/scenario"
)

// ErrNotFound は指定IDの記録が存在しないことを示す
var ErrNotFound = errors.New("run not found")

var runsBucket = []byte("runs")

// Record は保存された1回分の実行結果
type Record struct {
	ID     uint64           `json:"id"`
	Result *scenario.Result `json:"result"`
}

// Store は実行履歴のアーカイブ
type Store struct {
	db *bbolt.DB
}

// Open はデータベースを開き、バケットを用意する
func Open(path string) (*Store, error) {
	opts := *bbolt.DefaultOptions
	opts.Timeout = time.Second

	db, err := bbolt.Open(path, 0o644, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Save は結果を保存し、割り当てたIDを返す
func (s *Store) Save(result *scenario.Result) (uint64, error) {
	if result == nil {
		return 0, errors.New("nil result")
	}

	value, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("failed to encode result: %w", err)
	}

	var id uint64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(runsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return bucket.Put(encodeKey(seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save result: %w", err)
	}
	return id, nil
}

// Get はIDで記録を取得する
func (s *Store) Get(id uint64) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(runsBucket).Get(encodeKey(id))
		if len(value) == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		r, err := decode(id, value)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List は新しい順に最大limit件を返す。limit<=0なら全件
func (s *Store) List(limit int) ([]Record, error) {
	records := []Record{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(runsBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			r, err := decode(binary.BigEndian.Uint64(k), v)
			if err != nil {
				return err
			}
			records = append(records, *r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Len は保存件数を返す
func (s *Store) Len() int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(runsBucket).Stats().KeyN
		return nil
	})
	return n
}

// Close はデータベースを閉じる
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func decode(id uint64, value []byte) (*Record, error) {
	var result scenario.Result
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, fmt.Errorf("failed to decode run %d: %w", id, err)
	}
	return &Record{ID: id, Result: &result}, nil
}
