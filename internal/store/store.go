package store

import "time"

// Store is the local key/value storage of a node. A zero expiration means
// the entry never expires.
type Store interface {
	StoreExpire(key []byte, data []byte, expiration time.Time) error
	Retrieve(key []byte) (data []byte, found bool)
	Delete(key []byte)
	// ExpireKeys removes every entry whose expiration has passed.
	ExpireKeys()
	Count() int
	Close() error
}
