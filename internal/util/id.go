package util

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewTransactionID returns a lexically sortable id. Ids minted by one
// process sort in the order they were created, which is the commit order
// the journal relies on.
func NewTransactionID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewNodeID returns a random identifier for a new item.
func NewNodeID() string {
	return uuid.NewString()
}

// NewLockToken returns a globally unique lock token.
func NewLockToken() string {
	return "opaquelocktoken:" + uuid.NewString()
}
