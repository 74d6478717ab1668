// Package dtcstore adapts the teacher's pkg/storage/dtc.go bbolt-backed
// DTC dedup store into a batch sink (spec §6) for the Diagnostic Decoder:
// a durable record of which (source address, SPN, FMI) combinations have
// already been reported, so a collaborator can suppress repeat
// notifications across process restarts.
package dtcstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/afs-fleet/isobus-core/internal/diagnostics"
)

const bucketName = "active_dtcs"

// Store is a durable DTC-seen-before set, one bbolt bucket per process.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt database at path and ensures the
// bucket exists, mirroring the teacher's OpenDB.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dtc store %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create dtc bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func dtcKey(sa uint8, spn uint32, fmi uint8) []byte {
	return []byte(fmt.Sprintf("%d:%d:%d", sa, spn, fmi))
}

// IsNew reports whether (sa, spn, fmi) has not been recorded before,
// recording it if so, mirroring the teacher's IsNew.
func (s *Store) IsNew(sa uint8, spn uint32, fmi uint8) (bool, error) {
	key := dtcKey(sa, spn, fmi)
	var isNew bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b.Get(key) == nil {
			isNew = true
			return b.Put(key, []byte{1})
		}
		isNew = false
		return nil
	})
	return isNew, err
}

// Remove clears a single (sa, spn, fmi) record, e.g. once the DTC no
// longer appears in an incoming DM1.
func (s *Store) Remove(sa uint8, spn uint32, fmi uint8) error {
	key := dtcKey(sa, spn, fmi)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(key)
	})
}

// ClearAll drops every recorded DTC, mirroring the teacher's ClearAll.
func (s *Store) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
}

// FlushBatch implements the batch sink contract (spec §6) specialized
// for DTC records: records every not-yet-seen DTC and returns false if
// any write fails.
func (s *Store) FlushBatch(sa uint8, dtcs []diagnostics.DTC) bool {
	ok := true
	for _, dtc := range dtcs {
		if _, err := s.IsNew(sa, dtc.SPN, dtc.FMI); err != nil {
			ok = false
		}
	}
	return ok
}
