// Package idgen generates compact, sortable operation identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID distinguishes concurrently running instances.
	nodeID []byte
	// sequence guards against same-second collisions on one node.
	sequence uint32

	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	nodeID = make([]byte, 3)
	if _, err := rand.Read(nodeID); err != nil {
		if hostname, herr := os.Hostname(); herr == nil && len(hostname) >= 3 {
			copy(nodeID, hostname)
		} else {
			copy(nodeID, fmt.Sprintf("%06x", time.Now().UnixNano()))
		}
	}
}

// New returns a 12-byte id encoded as lowercase base32:
// 4 bytes unix-seconds timestamp, 3 bytes node id, 2 bytes sequence,
// 3 bytes random. Timestamp-first keeps ids roughly sortable by creation.
func New() string {
	ts := uint32(time.Now().Unix())
	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF

	randomBytes := make([]byte, 3)
	if _, err := rand.Read(randomBytes); err != nil {
		copy(randomBytes, fmt.Sprintf("%06x", time.Now().UnixNano()))
	}

	id := make([]byte, 12)
	id[0] = byte(ts >> 24)
	id[1] = byte(ts >> 16)
	id[2] = byte(ts >> 8)
	id[3] = byte(ts)
	copy(id[4:7], nodeID)
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)
	copy(id[9:12], randomBytes)

	return strings.ToLower(base32Encoding.EncodeToString(id))
}

// WithPrefix returns "<prefix>-<id>". Operation ids carry the session token
// as prefix so a whole batch can be cancelled by prefix.
func WithPrefix(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}
