package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements KVStore on top of an embedded go.etcd.io/bbolt
// database file. Every value is stored as an 8-byte big-endian revision
// counter followed by the caller's raw bytes; the revision is what an etag
// encodes, so every Put of a key advances it. A Delete removes the key and
// its revision; a later Put of the same key starts counting again from 1.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database file under dataDir and ensures
// every CNAPI bucket exists, grounded on the teacher's NewBoltStore.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cnapi.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	buckets := []string{BucketServers, BucketTasks, BucketTickets, BucketStatus}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", name, err)
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

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// envelope splits a stored value into its revision and payload.
func splitEnvelope(raw []byte) (rev uint64, value []byte) {
	if len(raw) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw[:8]), raw[8:]
}

func joinEnvelope(rev uint64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[:8], rev)
	copy(out[8:], value)
	return out
}

func etagFor(rev uint64) string {
	return strconv.FormatUint(rev, 16)
}

func (s *BoltStore) GetObject(bucket, key string) ([]byte, string, error) {
	var value []byte
	var etag string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		rev, v := splitEnvelope(raw)
		value = append([]byte(nil), v...)
		etag = etagFor(rev)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return value, etag, nil
}

func (s *BoltStore) PutObject(bucket, key string, value []byte, ifMatch string) (string, error) {
	var etag string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		rev, err := checkPrecondition(b, key, ifMatch)
		if err != nil {
			return err
		}
		rev++
		etag = etagFor(rev)
		return b.Put([]byte(key), joinEnvelope(rev, value))
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

func (s *BoltStore) DeleteObject(bucket, key string, ifMatch string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		if _, err := checkPrecondition(b, key, ifMatch); err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// checkPrecondition returns the current revision of key in b (0 if absent)
// after validating ifMatch, per the same semantics documented on KVStore.
func checkPrecondition(b *bolt.Bucket, key string, ifMatch string) (uint64, error) {
	raw := b.Get([]byte(key))
	var rev uint64
	if raw != nil {
		rev, _ = splitEnvelope(raw)
	}
	if ifMatch == "" {
		return rev, nil
	}
	if raw == nil || etagFor(rev) != ifMatch {
		return 0, ErrETagConflict
	}
	return rev, nil
}

func (s *BoltStore) DeleteMany(bucket string, match func([]byte) bool) (int, error) {
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		var keys [][]byte
		err := b.ForEach(func(k, raw []byte) error {
			_, v := splitEnvelope(raw)
			if match == nil || match(v) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) Count(bucket string, match func([]byte) bool) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.ForEach(func(_, raw []byte) error {
			_, v := splitEnvelope(raw)
			if match == nil || match(v) {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) FindObjects(bucket string, q Query) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.ForEach(func(k, raw []byte) error {
			rev, v := splitEnvelope(raw)
			if q.Match != nil && !q.Match(v) {
				return nil
			}
			records = append(records, Record{
				Key:   string(k),
				Value: append([]byte(nil), v...),
				ETag:  etagFor(rev),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if q.Less != nil {
		sort.SliceStable(records, func(i, j int) bool {
			return q.Less(records[i].Value, records[j].Value)
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(records) {
			return nil, nil
		}
		records = records[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(records) {
		records = records[:q.Limit]
	}
	return records, nil
}

func (s *BoltStore) Batch(ops []BatchOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Validate every precondition against the transaction's consistent
		// view before applying any write, so a failed op never leaves a
		// partial batch behind (bbolt rolls back the whole tx on error).
		revs := make([]uint64, len(ops))
		buckets := make([]*bolt.Bucket, len(ops))
		for i, op := range ops {
			b := tx.Bucket([]byte(op.Bucket))
			if b == nil {
				return fmt.Errorf("store: unknown bucket %q", op.Bucket)
			}
			rev, err := checkPrecondition(b, op.Key, op.IfMatch)
			if err != nil {
				return fmt.Errorf("store: batch op %d (%s/%s): %w", i, op.Bucket, op.Key, err)
			}
			revs[i] = rev
			buckets[i] = b
		}
		for i, op := range ops {
			switch op.Kind {
			case OpPut:
				if err := buckets[i].Put([]byte(op.Key), joinEnvelope(revs[i]+1, op.Value)); err != nil {
					return err
				}
			case OpDelete:
				if err := buckets[i].Delete([]byte(op.Key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
