// Package kvdb is an ordered key/value store on a single bbolt bucket.
//
// Keys are compared byte-wise, so range operations follow the lexicographic
// order of the encoded keys. Writes go through a Batch that is applied in a
// single transaction.
package kvdb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("kv")

// DB is an ordered key/value store. It is safe for concurrent use.
type DB struct {
	bdb *bolt.DB
}

// Open opens or creates the database file at path.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating directory for database: %w", err)
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	bdb, err := bolt.Open(path, 0660, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &DB{bdb}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.bdb.Close()
}

// Get returns a copy of the value for key, or nil if key is absent.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := db.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			value = append([]byte{}, v...)
		}
		return nil
	})
	return value, err
}

// Iterate calls fn for each key in the inclusive range [from, to], in
// ascending or descending order. Iteration stops when fn returns false or an
// error. The key and value passed to fn are only valid during the call.
// Iterate runs in a read transaction, fn must not write to db.
func (db *DB) Iterate(ctx context.Context, from, to []byte, ascending bool, fn func(key, value []byte) (bool, error)) error {
	return db.bdb.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		var k, v []byte
		if ascending {
			k, v = c.Seek(from)
		} else {
			k, v = c.Seek(to)
			if k == nil {
				k, v = c.Last()
			} else if bytes.Compare(k, to) > 0 {
				k, v = c.Prev()
			}
		}
		for ; k != nil; k, v = next(c, ascending) {
			if ascending && bytes.Compare(k, to) > 0 || !ascending && bytes.Compare(k, from) < 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			more, err := fn(k, v)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
		return nil
	})
}

func next(c *bolt.Cursor, ascending bool) ([]byte, []byte) {
	if ascending {
		return c.Next()
	}
	return c.Prev()
}

// DeleteRange removes all keys in the inclusive range [from, to]. Deleting an
// empty range is not an error.
func (db *DB) DeleteRange(ctx context.Context, from, to []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		// Deleting through the cursor while iterating skips keys, so gather them first.
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(from); k != nil && bytes.Compare(k, to) <= 0; k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

type op struct {
	key   []byte
	value []byte // nil for clear.
}

// Batch collects writes to apply atomically with DB.Write.
type Batch struct {
	ops []op
}

// Set adds writing value under key to the batch.
func (b *Batch) Set(key, value []byte) {
	b.ops = append(b.ops, op{key, value})
}

// Clear adds removing key to the batch.
func (b *Batch) Clear(key []byte) {
	b.ops = append(b.ops, op{key, nil})
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Write applies all operations of the batch in a single transaction.
func (db *DB) Write(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, o := range b.ops {
			var err error
			if o.value == nil {
				err = bucket.Delete(o.key)
			} else {
				err = bucket.Put(o.key, o.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}
