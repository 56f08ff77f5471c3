package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BID is a bundle identifier: a totally ordered, globally unique token of
// the form tttttttt-tttt-rrrr-rrrr-rrrrrrrrrrrr. The first twelve hex digits
// are a millisecond timestamp prefix, the remaining twenty are random.
// Lexicographic order of BIDs matches creation order to millisecond
// resolution. A BID is minted once per bundle and never reused.
type BID string

// ErrInvalidBID indicates a malformed BID string.
var ErrInvalidBID = errors.New("invalid bundle identifier")

const bidTimestampBits = 48

// NewBID mints a BID for the current wall-clock time.
func NewBID() BID {
	return NewBIDAt(time.Now())
}

// NewBIDAt mints a BID with the timestamp prefix taken from t.
// Exposed for deterministic ordering in tests.
func NewBIDAt(t time.Time) BID {
	ms := uint64(t.UnixMilli()) & ((1 << bidTimestampBits) - 1)
	ts := fmt.Sprintf("%012x", ms)

	// The random half reuses the low 10 bytes of a v4 UUID.
	u := uuid.New()
	r := fmt.Sprintf("%x", u[6:16])

	return BID(fmt.Sprintf("%s-%s-%s-%s-%s", ts[0:8], ts[8:12], r[0:4], r[4:8], r[8:20]))
}

// ParseBID validates and returns a BID parsed from s.
func ParseBID(s string) (BID, error) {
	groups := strings.Split(s, "-")
	if len(groups) != 5 {
		return "", fmt.Errorf("%w: %q", ErrInvalidBID, s)
	}
	for i, want := range []int{8, 4, 4, 4, 12} {
		if len(groups[i]) != want || !isLowerHex(groups[i]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidBID, s)
		}
	}
	return BID(s), nil
}

// Timestamp returns the creation time encoded in the BID prefix,
// truncated to millisecond resolution.
func (b BID) Timestamp() time.Time {
	var ms uint64
	for _, c := range strings.ReplaceAll(string(b)[:13], "-", "") {
		ms = ms<<4 | uint64(hexVal(byte(c)))
	}
	return time.UnixMilli(int64(ms))
}

// String implements fmt.Stringer.
func (b BID) String() string { return string(b) }

// Before reports whether b was minted before other (lexicographic order).
func (b BID) Before(other BID) bool { return b < other }

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func hexVal(c byte) int {
	if c >= 'a' {
		return int(c-'a') + 10
	}
	return int(c - '0')
}
