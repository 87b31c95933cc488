// Package store persists the signature version and per-message scan results.
//
// A message scanned with no tracker is recorded with an empty pixel
// ("untracked"). When the signature version changes, untracked records are
// flushed so those messages are checked again against the new signatures.
package store

import (
	"context"
	"errors"
	"maps"
	"sync"
)

var (
	ErrEmptyVersion   = errors.New("store: version is required")
	ErrEmptyMessageID = errors.New("store: message id is required")
)

// Store is the persistent store and versioning collaborator
type Store interface {
	// Init prepares the backing storage
	Init(ctx context.Context) error
	// CurrentVersion returns the stored signature version, or "" on first launch
	CurrentVersion(ctx context.Context) (string, error)
	// Setup stores the version on first launch
	Setup(ctx context.Context, version string) error
	// Upgrade moves the store to a new version
	Upgrade(ctx context.Context, version string) error
	// FlushUntracked drops every record without a pixel and returns how many went
	FlushUntracked(ctx context.Context) (int, error)
	// Record stores the scan result for a message; pixel is "" when untracked
	Record(ctx context.Context, messageID, pixel string) error
	// Lookup returns the scan result for a message
	Lookup(ctx context.Context, messageID string) (pixel string, found bool, err error)
}

// Memory is an in-process Store
type Memory struct {
	mu      sync.RWMutex
	version string
	records map[string]string
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{records: make(map[string]string)}
}

// Init implements Store
func (m *Memory) Init(ctx context.Context) error {
	return ctx.Err()
}

// CurrentVersion implements Store
func (m *Memory) CurrentVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

// Setup implements Store
func (m *Memory) Setup(ctx context.Context, version string) error {
	return m.setVersion(ctx, version)
}

// Upgrade implements Store
func (m *Memory) Upgrade(ctx context.Context, version string) error {
	return m.setVersion(ctx, version)
}

func (m *Memory) setVersion(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if version == "" {
		return ErrEmptyVersion
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
	return nil
}

// FlushUntracked implements Store
func (m *Memory) FlushUntracked(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.records)
	maps.DeleteFunc(m.records, func(_, pixel string) bool { return pixel == "" })
	return before - len(m.records), nil
}

// Record implements Store
func (m *Memory) Record(ctx context.Context, messageID, pixel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if messageID == "" {
		return ErrEmptyMessageID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[messageID] = pixel
	return nil
}

// Lookup implements Store
func (m *Memory) Lookup(ctx context.Context, messageID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pixel, ok := m.records[messageID]
	return pixel, ok, nil
}
