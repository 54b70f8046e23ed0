package peerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/types"
)

var log = logger.Logger("peerstore")

// recordPrefix 路由表记录键前缀
var recordPrefix = []byte("rt/")

// ErrClosed 存储已关闭
var ErrClosed = errors.New("peerstore closed")

// persistedRecord 持久化的节点记录
type persistedRecord struct {
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"lastSeen"` // Unix 纳秒时间戳
}

// Store 基于 BadgerDB 的节点记录存储
type Store struct {
	mu     sync.Mutex
	db     *badger.DB
	closed bool
}

// Open 打开存储
//
// InMemory 为 true 时不落盘，否则数据保存在 DataDir 下。
func Open(cfg config.StorageConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("peerstore: empty data dir")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("peerstore: %w", err)
		}
		opts = badger.DefaultOptions(cfg.DataDir)
	}
	opts = opts.
		WithLogger(badgerLogger{}).
		WithNumVersionsToKeep(1).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("peerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Save 用 recs 覆盖已保存的记录
func (s *Store) Save(recs []types.PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.db.DropPrefix(recordPrefix); err != nil {
		return fmt.Errorf("peerstore: drop: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	saved := 0
	for _, rec := range recs {
		if len(rec.Addrs) == 0 {
			continue
		}
		val, err := json.Marshal(persistedRecord{Addrs: rec.Addrs, LastSeen: rec.LastSeen.UnixNano()})
		if err != nil {
			return err
		}
		if err := wb.Set(recordKey(rec.ID), val); err != nil {
			return fmt.Errorf("peerstore: set: %w", err)
		}
		saved++
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("peerstore: flush: %w", err)
	}
	log.Debug("已保存路由表", "peers", saved)
	return nil
}

// Load 读取全部记录，损坏的条目被跳过
func (s *Store) Load() ([]types.PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []types.PeerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id, err := types.ParseNodeID(string(item.Key()[len(recordPrefix):]))
			if err != nil {
				log.Debug("跳过损坏的键", "key", string(item.Key()))
				continue
			}
			err = item.Value(func(val []byte) error {
				var pr persistedRecord
				if err := json.Unmarshal(val, &pr); err != nil {
					return err
				}
				out = append(out, types.PeerRecord{
					ID:       id,
					Addrs:    pr.Addrs,
					LastSeen: time.Unix(0, pr.LastSeen),
					State:    types.LivenessStale,
				})
				return nil
			})
			if err != nil {
				log.Debug("跳过损坏的记录", "peer", id.ShortString(), "err", err)
			}
		}
		return nil
	})
	return out, err
}

// Close 关闭存储
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func recordKey(id types.NodeID) []byte {
	return append(append([]byte(nil), recordPrefix...), id.String()...)
}

// badgerLogger 将 badger 日志转到 peerstore 子系统
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error(fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn(fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug(fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Debug(fmt.Sprintf(format, args...))
}
