package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltBucket      = []byte("relay")
	boltDocumentKey = []byte("document")
)

// BoltStore keeps the whole document under a single key of a bbolt file.
// bbolt serialises writers, so concurrent processes sharing the file no
// longer interleave partial writes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context) (*Document, error) {
	doc := NewDocument()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b == nil {
			return nil
		}
		v := b.Get(boltDocumentKey)
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("load bolt document: %w", err)
	}
	return doc.normalize(), nil
}

func (s *BoltStore) Save(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc.normalize())
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return b.Put(boltDocumentKey, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
