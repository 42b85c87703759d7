package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the journal database file inside the state directory
const FileName = "slurmboot.db"

var (
	// Bucket names
	bucketRuns     = []byte("runs")
	bucketRenders  = []byte("renders")
	bucketEntities = []byte("entities")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the journal in dataDir. The file lock is
// held until Close, so callers keep the store open only while writing.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, FileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketRenders, bucketEntities} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// OpenReadOnly opens an existing journal for inspection
func OpenReadOnly(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, FileName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no journal at %s: %w", dbPath, err)
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

// Run operations
func (s *BoltStore) CreateRun(run *Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRuns, run.ID, run)
	})
}

func (s *BoltStore) GetRun(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs oldest first
func (s *BoltStore) ListRuns() ([]*Run, error) {
	runs, err := list[Run](s.db, bucketRuns)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

func (s *BoltStore) UpdateRun(run *Run) error {
	return s.CreateRun(run) // Same as create (upsert)
}

// PruneRuns deletes all but the newest keep runs and returns how many went
func (s *BoltStore) PruneRuns(keep int) (int, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return 0, err
	}
	if len(runs) <= keep {
		return 0, nil
	}
	stale := runs[:len(runs)-keep]
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		for _, r := range stale {
			if err := b.Delete([]byte(r.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Render operations
func (s *BoltStore) PutRender(rec *RenderRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRenders, rec.Path, rec)
	})
}

func (s *BoltStore) GetRender(path string) (*RenderRecord, error) {
	var rec RenderRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRenders).Get([]byte(path))
		if data == nil {
			return fmt.Errorf("render %s: %w", path, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListRenders() ([]*RenderRecord, error) {
	return list[RenderRecord](s.db, bucketRenders)
}

// Entity operations
func (s *BoltStore) PutEntity(rec *EntityRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketEntities, rec.Key, rec)
	})
}

func (s *BoltStore) ListEntities() ([]*EntityRecord, error) {
	return list[EntityRecord](s.db, bucketEntities)
}
