package engineio

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"io"
	"sync/atomic"
)

var sidCounter uint64

// generateSid returns a URL-safe session identifier. Ids mix random bytes
// with an atomic counter so they stay unique even if the random source
// misbehaves.
func generateSid() string {
	// On a broken random source the prefix stays zero and the counter alone
	// keeps ids distinct.
	buf := make([]byte, 15)
	_, _ = io.ReadFull(rand.Reader, buf[:11])
	counter := atomic.AddUint64(&sidCounter, 1)
	binary.BigEndian.PutUint32(buf[11:], uint32(counter))
	return base64.RawURLEncoding.EncodeToString(buf)
}
