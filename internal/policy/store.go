package policy

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doughall/rootd/internal/protocol"
	bolt "go.etcd.io/bbolt"
)

const (
	policiesBucket = "policies"
	settingsBucket = "settings"
	stringsBucket  = "strings"

	keyRootAccess    = "root_access"
	keyMultiuserMode = "multiuser_mode"
	keyMountNsMode   = "mnt_ns"

	// KeyManagerPackage names the manager application package.
	KeyManagerPackage = "requester"
	// KeyDeviceID holds the generated device identifier.
	KeyDeviceID = "device_id"
)

// ErrNotFinal is returned when storing a Query decision.
var ErrNotFinal = errors.New("only allow or deny may be stored")

// Settings are the daemon-wide knobs consulted on every su request.
type Settings struct {
	RootAccess    RootAccess
	MultiuserMode MultiuserMode
	MountNsMode   protocol.MountNamespaceMode
}

// DefaultSettings are used for any setting never written to the store.
func DefaultSettings() Settings {
	return Settings{
		RootAccess:    RootAccessAppsAndAdb,
		MultiuserMode: MultiuserOwnerOnly,
		MountNsMode:   protocol.MountRequester,
	}
}

// Store is the persisted policy cache. Writes for the same uid are
// serialized; the last writer wins.
type Store struct {
	db    *bolt.DB
	locks *KeyedMutex
	now   func() time.Time
}

// Open opens or creates the policy database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open policy db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{policiesBucket, settingsBucket, stringsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create policy buckets: %w", err)
	}

	return &Store{db: db, locks: NewKeyedMutex(), now: time.Now}, nil
}

// Get returns the stored policy for uid. The boolean is false when no
// active policy exists; expired entries are reported as absent.
func (s *Store) Get(uid int32) (Policy, bool, error) {
	var p Policy
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(policiesBucket)).Get(uidKey(uid))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decode policy for uid %d: %w", uid, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return Policy{}, false, err
	}
	if !found || !p.Active(s.now()) {
		return Policy{}, false, nil
	}
	return p, true, nil
}

// Put stores p, replacing any previous policy for the same uid.
func (s *Store) Put(p Policy) error {
	if !p.Decision.Final() {
		return ErrNotFinal
	}

	unlock := s.locks.Lock(p.UID)
	defer unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).Put(uidKey(p.UID), data)
	})
}

// Delete removes the policy for uid.
func (s *Store) Delete(uid int32) error {
	unlock := s.locks.Lock(uid)
	defer unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).Delete(uidKey(uid))
	})
}

// List returns every stored policy ordered by uid, expired ones included.
func (s *Store) List() ([]Policy, error) {
	var out []Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).ForEach(func(k, v []byte) error {
			var p Policy
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// SweepExpired deletes policies whose Until has passed and returns how
// many were removed.
func (s *Store) SweepExpired() (int, error) {
	now := s.now()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(policiesBucket))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var p Policy
			if err := json.Unmarshal(v, &p); err != nil || !p.Active(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Settings returns the stored settings, falling back to defaults per key.
func (s *Store) Settings() (Settings, error) {
	st := DefaultSettings()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settingsBucket))
		if v, ok := getInt32(b, keyRootAccess); ok {
			st.RootAccess = RootAccess(v)
		}
		if v, ok := getInt32(b, keyMultiuserMode); ok {
			st.MultiuserMode = MultiuserMode(v)
		}
		if v, ok := getInt32(b, keyMountNsMode); ok {
			st.MountNsMode = protocol.MountNamespaceMode(v)
		}
		return nil
	})
	return st, err
}

// SaveSettings writes every field of st.
func (s *Store) SaveSettings(st Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settingsBucket))
		if err := putInt32(b, keyRootAccess, int32(st.RootAccess)); err != nil {
			return err
		}
		if err := putInt32(b, keyMultiuserMode, int32(st.MultiuserMode)); err != nil {
			return err
		}
		return putInt32(b, keyMountNsMode, int32(st.MountNsMode))
	})
}

// HasSettings reports whether any setting has been written.
func (s *Store) HasSettings() (bool, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(settingsBucket)).Stats().KeyN
		return nil
	})
	return n > 0, err
}

// String returns a stored string setting, or "" when unset.
func (s *Store) String(key string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		out = string(tx.Bucket([]byte(stringsBucket)).Get([]byte(key)))
		return nil
	})
	return out, err
}

// SetString stores a string setting. An empty value removes it.
func (s *Store) SetString(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(stringsBucket))
		if value == "" {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// uidKey encodes uid as big-endian bytes so keys iterate in uid order.
func uidKey(uid int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(uid))
	return b
}

func getInt32(b *bolt.Bucket, key string) (int32, bool) {
	v := b.Get([]byte(key))
	if len(v) != 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(v)), true
}

func putInt32(b *bolt.Bucket, key string, v int32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return b.Put([]byte(key), buf)
}
