package obd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"obddash/pkg/domain"
)

const activeBucket = "active_dtcs"

// DTCSet remembers which trouble codes were already reported so the agent
// only publishes new ones. It survives agent restarts.
type DTCSet struct {
	db *bolt.DB
}

// OpenDTCSet opens (or creates) the bbolt file at path.
func OpenDTCSet(path string) (*DTCSet, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dtc set: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(activeBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DTCSet{db: db}, nil
}

// Close releases the file lock.
func (s *DTCSet) Close() error { return s.db.Close() }

// IsNew records code and reports whether it was absent.
func (s *DTCSet) IsNew(code domain.DTC) (bool, error) {
	key := []byte(code.String())
	var isNew bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(activeBucket))
		if b.Get(key) != nil {
			return nil
		}
		isNew = true
		return b.Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	return isNew, err
}

// Remove forgets one code.
func (s *DTCSet) Remove(code domain.DTC) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(activeBucket)).Delete([]byte(code.String()))
	})
}

// Retain forgets every code not in active, so a code that goes away and
// comes back is reported again.
func (s *DTCSet) Retain(active []domain.DTC) error {
	keep := make(map[string]struct{}, len(active))
	for _, c := range active {
		keep[c.String()] = struct{}{}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(activeBucket))
		var stale [][]byte
		err := b.ForEach(func(k, _ []byte) error {
			if _, ok := keep[string(k)]; !ok {
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
		return nil
	})
}

// ClearAll forgets every code, e.g. after a mode 04 clear.
func (s *DTCSet) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(activeBucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(activeBucket))
		return err
	})
}

// Codes lists the remembered codes in order.
func (s *DTCSet) Codes() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(activeBucket)).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}
