package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Supported generator kinds.
const (
	KindULID = "ulid"
	KindUUID = "uuid"
)

// Generator produces process-unique identifiers.
type Generator interface {
	Next() string
}

// New returns a generator for the given kind. An empty kind selects ULID.
func New(kind string) (Generator, error) {
	switch kind {
	case "", KindULID:
		return NewULIDGenerator(), nil
	case KindUUID:
		return UUIDGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown id format %q (want %q or %q)", kind, KindULID, KindUUID)
	}
}

// --- ULID ---

// ulidEncoding uses Crockford's Base32 (excludes I, L, O, U to avoid ambiguity)
const ulidEncoding = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const ulidLen = 26

// ULIDGenerator produces monotonic ULIDs.
// Within one millisecond the 80-bit random component is incremented instead of
// redrawn, so ids sort in generation order.
type ULIDGenerator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
	lastMs  int64
	last    [10]byte
}

// NewULIDGenerator creates a ULID generator using the wall clock and crypto/rand.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{now: time.Now, entropy: rand.Reader}
}

// Next returns the next ULID.
func (g *ULIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.lastMs {
		// Same millisecond or the clock stepped back: keep the previous
		// timestamp and bump the random part.
		ms = g.lastMs
		if !increment(g.last[:]) {
			// 80-bit overflow; move to the next millisecond.
			ms++
			g.fill()
		}
	} else {
		g.fill()
	}
	g.lastMs = ms

	return encodeULID(ms, g.last)
}

func (g *ULIDGenerator) fill() {
	_, _ = io.ReadFull(g.entropy, g.last[:])
	// Keep the top bit clear so a long run of increments never overflows.
	g.last[0] &= 0x7f
}

// increment adds one to the big-endian value in b. It reports false on overflow.
func increment(b []byte) bool {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return true
		}
	}
	return false
}

// encodeULID encodes a 48-bit millisecond timestamp and 80 random bits.
func encodeULID(ms int64, random [10]byte) string {
	out := make([]byte, ulidLen)

	// 10 characters of timestamp, 5 bits each, most significant first.
	for i := 9; i >= 0; i-- {
		out[i] = ulidEncoding[ms&0x1F]
		ms >>= 5
	}

	// 16 characters of randomness: walk the 80 bits 5 at a time.
	var acc uint32
	bits := 0
	pos := 10
	for _, b := range random {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[pos] = ulidEncoding[(acc>>uint(bits))&0x1F]
			pos++
		}
	}

	return string(out)
}

// IsValidULID checks if a string is a valid ULID.
func IsValidULID(s string) bool {
	if len(s) != ulidLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if decodeULIDChar(s[i]) < 0 {
			return false
		}
	}
	return true
}

// ULIDTime extracts the timestamp from a ULID.
func ULIDTime(ulid string) (time.Time, error) {
	if !IsValidULID(ulid) {
		return time.Time{}, fmt.Errorf("invalid ULID: %s", ulid)
	}

	var ms int64
	for i := 0; i < 10; i++ {
		ms = (ms << 5) | int64(decodeULIDChar(ulid[i]))
	}
	return time.UnixMilli(ms), nil
}

func decodeULIDChar(c byte) int {
	for i := 0; i < len(ulidEncoding); i++ {
		if ulidEncoding[i] == c {
			return i
		}
	}
	return -1
}

// --- UUID ---

// UUIDGenerator produces time-ordered UUIDv7 strings.
type UUIDGenerator struct{}

// Next returns a new UUIDv7, or a random v4 if the v7 source fails.
func (UUIDGenerator) Next() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// Short generates a short random hex ID (16 characters).
// Used to tag event stream connections in logs.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
