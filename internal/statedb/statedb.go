// Package statedb wraps a bbolt database file. Beat's persistent schedule
// and the optional worker state file each open their own DB.
// Grounded on itskum47/FluxForge's teacher-sibling cuemby-warren
// pkg/storage/boltdb.go: one bucket per concern, JSON-encoded values.
package statedb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// WorkerStateBucket is the bucket created in the file opened from
// config.Config.StateDB. Nothing in the worker writes to it: revoked task
// ids stay in internal/pool's in-memory set and no execution counters are
// stored. It is a distinct file and bucket from Beat's own schedule, which
// persists separately under beat.Bucket.
var WorkerStateBucket = []byte("worker_state")

// WithSuffix appends ".db" to path unless it is empty or already carries
// that suffix, so operators can hand CLI flags a bare name (e.g.
// "worker-beat-schedule") and still get a conventional bolt filename on
// disk.
func WithSuffix(path string) string {
	if path == "" || strings.HasSuffix(path, ".db") {
		return path
	}
	return path + ".db"
}

// DB is a thin bucket-oriented wrapper over *bolt.DB.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if absent) a bbolt file at path, ensuring bucket
// exists.
func Open(path string, bucket []byte) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("statedb: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: create bucket: %w", err)
	}
	return &DB{bolt: db}, nil
}

// Close flushes and closes the underlying file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Put JSON-encodes value and stores it under key in bucket.
func (d *DB) Put(bucket []byte, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statedb: marshal %s: %w", key, err)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("statedb: bucket %s missing", bucket)
		}
		return b.Put([]byte(key), body)
	})
}

// Get decodes the value stored under key into dest. Returns false if the key
// is absent.
func (d *DB) Get(bucket []byte, key string, dest any) (bool, error) {
	var found bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("statedb: bucket %s missing", bucket)
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, dest)
	})
	return found, err
}

// Delete removes key from bucket.
func (d *DB) Delete(bucket []byte, key string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in bucket, calling fn with the raw
// JSON bytes (the caller decodes into its own type).
func (d *DB) ForEach(bucket []byte, fn func(key string, raw []byte) error) error {
	return d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Sync forces a flush to disk. Put and Delete each commit their own
// transaction, so Beat does not call Sync; Close flushes on shutdown.
func (d *DB) Sync() error {
	return d.bolt.Sync()
}
