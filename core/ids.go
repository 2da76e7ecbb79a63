package core

import (
	"encoding/hex"
	"fmt"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// NewID generates a random identifier for shards, revisions and jobs.
func NewID() string {
	return uuid.NewString()
}

// ChunkID generates a deterministic identifier for a chunk from its parent
// document, sequence position and text. Re-chunking the same document yields
// the same IDs, so a retried chunking job converges instead of duplicating.
func ChunkID(parentID string, sequence int, text string) string {
	h, _ := blake2b.New(16, nil)
	fmt.Fprintf(h, "%s:%d:", parentID, sequence)
	h.Write([]byte(text))
	return "chk-" + hex.EncodeToString(h.Sum(nil))
}
