package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var agentsBucket = []byte("agents")

// BoltStore keeps one nested bucket per agent inside the "agents" bucket.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(agentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, agentID, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket).Bucket([]byte(agentID))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt values are only valid inside the transaction
		value = string(v)
		return nil
	})
	return value, err
}

func (s *BoltStore) Put(_ context.Context, agentID, key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(agentsBucket).CreateBucketIfNotExists([]byte(agentID))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", agentID, key, err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, agentID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket).Bucket([]byte(agentID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) List(_ context.Context, agentID, prefix string) (map[string]string, error) {
	out := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket).Bucket([]byte(agentID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			out[string(k)] = string(v)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteAgent(_ context.Context, agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(agentsBucket).DeleteBucket([]byte(agentID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *BoltStore) Agents(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
