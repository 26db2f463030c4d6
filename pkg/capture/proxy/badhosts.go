package proxy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// HostCache remembers hosts that recently failed so repeated requests for
// assets on a dead host fail fast instead of timing out one by one.
// Entries expire on their own; a host gets a fresh chance once the TTL
// lapses.
type HostCache struct {
	db  *badger.DB
	ttl time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewHostCache opens an in-memory BadgerDB for bad-host entries. Entries
// live for ttl after insertion.
func NewHostCache(ttl time.Duration) (*HostCache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open host cache: %w", err)
	}
	return &HostCache{db: db, ttl: ttl}, nil
}

// MarkBad records host:port as failing until the TTL expires.
func (c *HostCache) MarkBad(hostport string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(hostport), []byte{1}).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to record bad host %s: %w", hostport, err)
	}
	return nil
}

// IsBad reports whether host:port has an unexpired bad-host entry.
func (c *HostCache) IsBad(hostport string) bool {
	var found bool
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(hostport))
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return false
	}
	return found
}

// Close releases the underlying database. Safe to call more than once.
func (c *HostCache) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}
