// Package tsid generates time-sorted identifiers for messages, outbox
// entries and schedules. A TSID packs a 42-bit millisecond timestamp and a
// 22-bit random component into 64 bits, rendered as 13 Crockford Base32
// characters. Lexicographic order follows creation order, which keeps
// store scans in FIFO order without a secondary sort key.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	// epoch is 2020-01-01T00:00:00Z in Unix milliseconds
	epoch = 1577836800000

	randomBits = 22

	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrInvalidTSID is returned when decoding a malformed identifier.
var ErrInvalidTSID = errors.New("tsid: invalid identifier")

// Generator produces TSIDs. Safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint32
}

var defaultGen Generator

// Generate returns a new TSID from the process-wide generator.
func Generate() string {
	return defaultGen.Generate()
}

// Generate returns a new TSID string.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epoch

	var buf [4]byte
	rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & ((1 << randomBits) - 1)

	// Within one millisecond, fold a counter into the low bits so ids
	// generated back-to-back stay unique and ordered.
	if now == g.lastMs {
		g.seq++
		random = (random &^ 0xFFFF) | (g.seq & 0xFFFF)
	} else {
		g.lastMs = now
		g.seq = 0
	}

	id := (uint64(now) << randomBits) | uint64(random)
	return encode(id)
}

// Timestamp extracts the creation time embedded in a TSID.
func Timestamp(id string) (time.Time, error) {
	v, err := decode(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v>>randomBits) + epoch), nil
}

func encode(v uint64) string {
	out := make([]byte, 13)
	for i := 12; i >= 0; i-- {
		out[i] = alphabet[v&0x1F]
		v >>= 5
	}
	return string(out)
}

func decode(s string) (uint64, error) {
	if len(s) != 13 {
		return 0, ErrInvalidTSID
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := digit(s[i])
		if d < 0 {
			return 0, ErrInvalidTSID
		}
		v = v<<5 | uint64(d)
	}
	return v, nil
}

// digit maps a Crockford Base32 character to its value. I/L read as 1,
// O reads as 0; lowercase accepted.
func digit(c byte) int {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c == 'I' || c == 'L':
		return 1
	case c == 'O':
		return 0
	case c >= 'A' && c <= 'H':
		return int(c - 'A' + 10)
	case c == 'J' || c == 'K':
		return int(c - 'J' + 18)
	case c == 'M' || c == 'N':
		return int(c - 'M' + 20)
	case c >= 'P' && c <= 'T':
		return int(c - 'P' + 22)
	case c == 'U':
		return 27
	case c >= 'V' && c <= 'Z':
		return int(c - 'V' + 27)
	default:
		return -1
	}
}
