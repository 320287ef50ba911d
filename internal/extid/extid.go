// Package extid generates the short time-ordered identifiers handed to
// external partners. An external ID is 10 characters of base62: the first 8
// encode milliseconds since a fixed epoch (so IDs sort chronologically), the
// last 2 are random to avoid collisions within a millisecond.
package extid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
)

// base62 alphabet ordered for lexicographic sorting: digits, uppercase, lowercase.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// epochMS anchors the timestamp encoding (2025-01-01 00:00:00 UTC).
var epochMS = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

const (
	// Length is the fixed length of an external ID.
	Length = 10

	timePartLen   = 8
	randomPartLen = 2

	// maxAttempts bounds collision-retry loops in Unique.
	maxAttempts = 3
)

// ErrExhausted is returned when Unique cannot find an unused ID within the
// retry budget.
var ErrExhausted = errors.New("extid: exhausted unique ID attempts")

// Encode converts a non-negative number to its base62 representation.
func Encode(n int64) string {
	if n == 0 {
		return string(alphabet[0])
	}
	var b strings.Builder
	for n > 0 {
		b.WriteByte(alphabet[n%62])
		n /= 62
	}
	// Reverse: digits were emitted least significant first.
	s := []byte(b.String())
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return string(s)
}

// Decode converts a base62 string back to a number.
func Decode(s string) (int64, error) {
	var n int64
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(alphabet, s[i])
		if idx < 0 {
			return 0, fmt.Errorf("extid: invalid base62 character %q", s[i])
		}
		n = n*62 + int64(idx)
	}
	return n, nil
}

// New generates a fresh external ID from the current time.
func New() (string, error) {
	elapsed := time.Now().UnixMilli() - epochMS

	timePart := Encode(elapsed)
	if len(timePart) < timePartLen {
		timePart = strings.Repeat(string(alphabet[0]), timePartLen-len(timePart)) + timePart
	}

	randomPart, err := randomBase62(randomPartLen)
	if err != nil {
		return "", err
	}

	return timePart + randomPart, nil
}

// ExistsFunc reports whether a candidate ID is already taken.
type ExistsFunc func(id string) (bool, error)

// Unique generates an external ID, regenerating on collision up to a bounded
// number of attempts. Collisions are rare (3,844 combinations per
// millisecond) so running out of attempts indicates something badly wrong.
func Unique(exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := New()
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrExhausted
}

// Timestamp extracts the creation time encoded in an external ID.
func Timestamp(id string) (time.Time, error) {
	if len(id) != Length {
		return time.Time{}, errors.New("extid: invalid external ID length")
	}
	elapsed, err := Decode(id[:timePartLen])
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(epochMS + elapsed), nil
}

// Valid reports whether id has the external ID format.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}

// Random returns n random base62 characters.
func Random(n int) (string, error) {
	return randomBase62(n)
}

func randomBase62(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("extid: read random bytes: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%62]
	}
	return string(out), nil
}
