package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	logBucket    = "sulog"
	outboxBucket = "outbox"
)

// Entry is one su log record.
type Entry struct {
	ID        uint64    `json:"id"`
	RequestID string    `json:"request_id"`
	Time      time.Time `json:"time"`
	UID       int32     `json:"uid"`
	EvalUID   int32     `json:"eval_uid"`
	PID       int32     `json:"pid"`
	Process   string    `json:"process,omitempty"`
	TargetUID int32     `json:"target_uid"`
	Command   string    `json:"command,omitempty"`
	Decision  string    `json:"decision"`
	Notified  bool      `json:"notified"`
}

// Store is the persistent su log. Entries may also be queued in an
// outbox until a remote forwarder has shipped them.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the su log database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open su log: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(logBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(outboxBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create su log buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Append adds e to the log, assigning its ID. When forward is set the
// entry is also queued in the outbox.
func (s *Store) Append(e *Entry, forward bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(logBucket))

		id, _ := b.NextSequence()
		e.ID = id

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		if forward {
			return tx.Bucket([]byte(outboxBucket)).Put(itob(id), []byte{1})
		}
		return nil
	})
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(logBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// Pending returns up to limit outbox entries, oldest first.
func (s *Store) Pending(limit int) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		log := tx.Bucket([]byte(logBucket))
		c := tx.Bucket([]byte(outboxBucket)).Cursor()
		for k, _ := c.First(); k != nil && len(out) < limit; k, _ = c.Next() {
			v := log.Get(k)
			if v == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// MarkForwarded removes ids from the outbox.
func (s *Store) MarkForwarded(ids []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(outboxBucket))
		for _, id := range ids {
			if err := b.Delete(itob(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Prune deletes entries older than before and returns how many were
// removed. Pruned entries are also dropped from the outbox.
func (s *Store) Prune(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		log := tx.Bucket([]byte(logBucket))
		outbox := tx.Bucket([]byte(outboxBucket))

		var stale [][]byte
		c := log.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err == nil && !e.Time.Before(before) {
				// IDs grow with time, so the first young entry ends the scan.
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := log.Delete(k); err != nil {
				return err
			}
			if err := outbox.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Count returns the number of log entries.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(logBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
