// Package archivemeta is a small bbolt-backed side table recording
// metadata about archived WAL segments: when each was archived, its
// byte size, and a checksum of its bytes. It is a validation cache, not
// the source of truth — the archive directory listing always wins; this
// store only lets Manager.Open cheaply notice that a segment on disk
// doesn't match what was recorded when it was archived.
package archivemeta

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("archived_segments")

// Record describes one archived segment.
type Record struct {
	AbsIndex   uint64
	ArchivedAt time.Time
	ByteSize   int64
	Checksum   uint32
}

// Store wraps a bbolt database file used purely as a local key/value
// side table; it is never replicated and never the sole record of what
// is archived.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the archive metadata store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("archivemeta: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("archivemeta: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(absIndex uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, absIndex)
	return b
}

// Put records that absIndex has been archived.
func (s *Store) Put(r Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		val := make([]byte, 8+8+4)
		binary.BigEndian.PutUint64(val[0:8], uint64(r.ArchivedAt.UnixNano()))
		binary.BigEndian.PutUint64(val[8:16], uint64(r.ByteSize))
		binary.BigEndian.PutUint32(val[16:20], r.Checksum)
		return b.Put(key(r.AbsIndex), val)
	})
}

// Get returns the recorded metadata for absIndex, if any.
func (s *Store) Get(absIndex uint64) (Record, bool, error) {
	var rec Record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		val := b.Get(key(absIndex))
		if val == nil {
			return nil
		}
		if len(val) != 20 {
			return fmt.Errorf("archivemeta: corrupt record for index %d", absIndex)
		}
		rec = Record{
			AbsIndex:   absIndex,
			ArchivedAt: time.Unix(0, int64(binary.BigEndian.Uint64(val[0:8]))),
			ByteSize:   int64(binary.BigEndian.Uint64(val[8:16])),
			Checksum:   binary.BigEndian.Uint32(val[16:20]),
		}
		found = true
		return nil
	})
	return rec, found, err
}

// Delete removes the recorded entry for absIndex, if any.
func (s *Store) Delete(absIndex uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(absIndex))
	})
}

// DeleteBefore removes every recorded entry with AbsIndex < upTo,
// mirroring the WAL's own archive-directory truncation.
func (s *Store) DeleteBefore(upTo uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if idx >= upTo {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}
