// Package store implements the durable key-value store shared by the protocol components.
// Keys are content digests (optionally suffixed), values are opaque blobs written once.
package store

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Options options for creating the store.
type Options struct {
	CacheSize              int // MiB given to leveldb
	OpenFilesCacheCapacity int
	LRUSize                int // number of blobs kept in the read cache
}

var writeOpt = opt.WriteOptions{Sync: true}
var readOpt = opt.ReadOptions{}

// Store wraps a level db with a read cache and read notifications.
type Store struct {
	stg   storage.Storage
	db    *leveldb.DB
	cache *lru.Cache

	lock        sync.Mutex
	obligations map[string][]chan []byte
}

// New creates a persistent store at path.
// Create an empty one if not exists, or open if already there.
func New(path string, opts Options) (*Store, error) {
	stg, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return open(stg, opts)
}

// NewMem creates a store in memory.
func NewMem() (*Store, error) {
	return open(storage.NewMemStorage(), Options{})
}

func open(stg storage.Storage, opts Options) (*Store, error) {
	if opts.CacheSize < 16 {
		opts.CacheSize = 16
	}
	if opts.OpenFilesCacheCapacity < 16 {
		opts.OpenFilesCacheCapacity = 16
	}
	if opts.LRUSize < 1 {
		opts.LRUSize = 10000
	}

	db, err := leveldb.Open(stg, &opt.Options{
		OpenFilesCacheCapacity: opts.OpenFilesCacheCapacity,
		BlockCacheCapacity:     opts.CacheSize / 2 * opt.MiB,
		WriteBuffer:            opts.CacheSize / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		stg.Close()
		return nil, errors.Wrap(err, "open level db")
	}
	cache, err := lru.New(opts.LRUSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		stg:         stg,
		db:          db,
		cache:       cache,
		obligations: make(map[string][]chan []byte),
	}, nil
}

// Write stores value under key and wakes up the readers waiting for it.
func (s *Store) Write(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if err := s.db.Put(key, value, &writeOpt); err != nil {
		return errors.Wrap(err, "store write")
	}
	s.cache.Add(string(key), value)

	s.lock.Lock()
	waiters := s.obligations[string(key)]
	delete(s.obligations, string(key))
	s.lock.Unlock()
	for _, ch := range waiters {
		ch <- value
	}
	return nil
}

// Read returns the value of key, or nil if it is absent.
func (s *Store) Read(key []byte) ([]byte, error) {
	if v, ok := s.cache.Get(string(key)); ok {
		return v.([]byte), nil
	}
	value, err := s.db.Get(key, &readOpt)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store read")
	}
	s.cache.Add(string(key), value)
	return value, nil
}

// NotifyRead returns the value of key, waiting for it to be written if needed.
func (s *Store) NotifyRead(ctx context.Context, key []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	s.lock.Lock()
	value, err := s.Read(key)
	if err != nil || value != nil {
		s.lock.Unlock()
		return value, err
	}
	s.obligations[string(key)] = append(s.obligations[string(key)], ch)
	s.lock.Unlock()

	select {
	case value = <-ch:
		return value, nil
	case <-ctx.Done():
		s.dropObligation(string(key), ch)
		return nil, ctx.Err()
	}
}

func (s *Store) dropObligation(key string, ch chan []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	waiters := s.obligations[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.obligations, key)
	} else {
		s.obligations[key] = waiters
	}
}

// Close closes the store.
// Later operations will all fail.
func (s *Store) Close() error {
	// leveldb.Open leaves the storage, and its file lock, to the caller
	if err := s.db.Close(); err != nil {
		s.stg.Close()
		return err
	}
	return s.stg.Close()
}
