package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

const localPrefix = "local-"

// LocalIDs hands out ids for complaints that exist only in this process.
// Ids are unique within the process even when the clock repeats.
type LocalIDs struct {
	seq atomic.Uint64
	Now func() time.Time
}

func (g *LocalIDs) Next() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return fmt.Sprintf("%s%d-%d", localPrefix, now().UnixNano(), g.seq.Add(1))
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
