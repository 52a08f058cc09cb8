package core

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// base62 encodes v using the base62 alphabet. Returns "0" for zero.
func base62(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [11]byte // 62^11 > 2^64
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = base62Alphabet[v%62]
		v /= 62
	}
	return string(buf[i:])
}

func rand64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// time-derived value rather than panicking in an ID helper.
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}

// NewDeliveryID generates a globally unique delivery identifier in the stable
// wire format "del_<unixNanos>_<base62(rand64)>".
func NewDeliveryID() string {
	return "del_" + strconv.FormatInt(time.Now().UnixNano(), 10) + "_" + base62(rand64())
}

// NewIdempotencyKey generates the per-delivery token downstream systems use
// to deduplicate retried sends.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// NewID generates an opaque identifier for destinations, alerts, queue items
// and maintenance windows.
func NewID() string {
	return uuid.NewString()
}
