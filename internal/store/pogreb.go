package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/akrylysov/pogreb"
)

// PogrebStore persists values on disk. Each value is prefixed with its
// expiration as big-endian unix nanoseconds, 0 meaning never.
type PogrebStore struct {
	db  *pogreb.DB
	now func() time.Time
}

const expiryHeaderSize = 8

// NewPogrebStore opens or creates the database at path.
func NewPogrebStore(path string) (*PogrebStore, error) {
	pogreb.SetLogger(log.New(io.Discard, "", 0))

	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open pogreb store: %w", err)
	}
	return &PogrebStore{db: db, now: time.Now}, nil
}

func (s *PogrebStore) StoreExpire(key []byte, data []byte, expiration time.Time) error {
	record := make([]byte, expiryHeaderSize+len(data))
	if !expiration.IsZero() {
		binary.BigEndian.PutUint64(record, uint64(expiration.UnixNano()))
	}
	copy(record[expiryHeaderSize:], data)
	return s.db.Put(key, record)
}

func (s *PogrebStore) Retrieve(key []byte) ([]byte, bool) {
	record, err := s.db.Get(key)
	if err != nil || record == nil {
		return nil, false
	}
	data, expired, ok := s.decode(record)
	if !ok || expired {
		return nil, false
	}
	return data, true
}

func (s *PogrebStore) decode(record []byte) (data []byte, expired bool, ok bool) {
	if len(record) < expiryHeaderSize {
		return nil, false, false
	}
	expiry := binary.BigEndian.Uint64(record)
	expired = expiry != 0 && s.now().UnixNano() > int64(expiry)
	return record[expiryHeaderSize:], expired, true
}

func (s *PogrebStore) Delete(key []byte) {
	s.db.Delete(key)
}

// ExpireKeys scans the whole database and deletes expired or corrupt records.
func (s *PogrebStore) ExpireKeys() {
	var stale [][]byte
	it := s.db.Items()
	for {
		key, record, err := it.Next()
		if errors.Is(err, pogreb.ErrIterationDone) {
			break
		}
		if err != nil {
			break
		}
		if _, expired, ok := s.decode(record); !ok || expired {
			stale = append(stale, append([]byte(nil), key...))
		}
	}
	for _, key := range stale {
		s.db.Delete(key)
	}
}

func (s *PogrebStore) Count() int {
	return int(s.db.Count())
}

func (s *PogrebStore) Close() error {
	return s.db.Close()
}
