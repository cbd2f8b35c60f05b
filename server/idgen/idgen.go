// Package idgen generates the opaque tokens used in message ids.
//
// A token is 12 bytes, base32 encoded to 20 lowercase characters:
//   - 4 bytes: seconds since epoch
//   - 3 bytes: per-process node id
//   - 2 bytes: atomically incremented sequence
//   - 3 bytes: random
//
// Two tokens from one process differ unless 65536 are drawn within the
// same second and the random bytes also collide; callers that need hard
// uniqueness still create files exclusively.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"hash/fnv"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Length of a token returned by New.
const Length = 20

const alphabet = "abcdefghijklmnopqrstuvwxyz234567"

var (
	nodeID   [3]byte
	sequence atomic.Uint32
	encoding = base32.NewEncoding(strings.ToUpper(alphabet)).WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err == nil {
		return
	}
	// Hostname and pid based fallback
	h := fnv.New32a()
	hostname, _ := os.Hostname()
	h.Write([]byte(hostname))
	binary.Write(h, binary.BigEndian, int32(os.Getpid()))
	binary.Write(h, binary.BigEndian, time.Now().UnixNano())
	copy(nodeID[:], h.Sum(nil))
}

// New returns a new token.
func New() string {
	var id [12]byte

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], nodeID[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[9:12]); err != nil {
		ns := time.Now().UnixNano()
		id[9], id[10], id[11] = byte(ns>>16), byte(ns>>8), byte(ns)
	}

	return strings.ToLower(encoding.EncodeToString(id[:]))
}

// Valid reports whether s has the shape of a token returned by New.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}
