package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// idBytes is the size of the random identifier: 128 bits, rendered as
// 32 lowercase hex characters on the wire.
const idBytes = 16

// maxAllocAttempts is the maximum number of random generation attempts
// before returning ErrIDExhausted. With a 128-bit space collisions are
// astronomically unlikely; this limit exists as a safety net against
// degenerate states.
const maxAllocAttempts = 100

// ErrIDExhausted indicates that the allocator could not generate a
// unique identifier after the maximum number of attempts. This should
// never occur in practice given the 128-bit random space.
var ErrIDExhausted = errors.New("id allocator exhausted")

// IDAllocator generates unique random identifiers for sessions and
// client connections.
//
// Identifiers are opaque strings with at least 128 bits of entropy so
// they stay unguessable and collision-free for the process lifetime.
// Generated values are checked against a set of live allocations.
// Thread-safe via sync.Mutex.
type IDAllocator struct {
	mu        sync.Mutex
	allocated map[string]struct{}
}

// NewIDAllocator creates an IDAllocator with an empty allocation set.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{
		allocated: make(map[string]struct{}),
	}
}

// Allocate generates a unique random identifier.
//
// Returns ErrIDExhausted if a unique value cannot be found after a
// reasonable number of attempts.
func (a *IDAllocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [idBytes]byte

	for range maxAllocAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("generate random id: %w", err)
		}

		id := hex.EncodeToString(buf[:])

		if _, exists := a.allocated[id]; exists {
			continue
		}

		a.allocated[id] = struct{}{}

		return id, nil
	}

	return "", fmt.Errorf("allocate id after %d attempts: %w",
		maxAllocAttempts, ErrIDExhausted)
}

// Release removes a previously allocated identifier from the
// allocation set. Called during session or connection teardown to
// prevent the set growing without bound.
//
// Releasing an identifier that was not allocated is a no-op.
func (a *IDAllocator) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, id)
}

// IsAllocated reports whether an identifier is currently allocated.
func (a *IDAllocator) IsAllocated(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, exists := a.allocated[id]

	return exists
}
