// Package natsort orders identifiers so that embedded numbers compare by
// value ("rec9" < "rec10").
//
// Each run of digits is replaced by a marker byte '@'+n, where n is the
// number of digits after leading zeros are stripped, followed by those
// digits. Runs of longMarker-'@' digits or more use longMarker followed by n
// as four big-endian bytes. Other bytes are kept. The encoded keys are
// compared bytewise, so a longer number always sorts after a shorter one and
// equal-length numbers compare digit by digit. The encoding is one-way and
// only used for comparison.
package natsort

import (
	"encoding/binary"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	marker     = '@'
	longMarker = 0xff
)

const defaultCacheSize = 4096

var keys *lru.Cache[string, string]

func init() {
	c, err := lru.New[string, string](defaultCacheSize)
	if err != nil {
		panic(err)
	}
	keys = c
}

// Key returns the comparison key of s.
func Key(s string) string {
	if k, ok := keys.Get(s); ok {
		return k
	}
	k := encode(s)
	keys.Add(s, k)
	return k
}

// Compare returns -1, 0 or 1 as a sorts before, equal to or after b.
func Compare(a, b string) int {
	return strings.Compare(Key(a), Key(b))
}

func encode(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); {
		if !isDigit(s[i]) {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		digits := strings.TrimLeft(s[i:j], "0")
		n := len(digits)
		if n < longMarker-marker {
			b.WriteByte(byte(marker + n))
		} else {
			var size [4]byte
			binary.BigEndian.PutUint32(size[:], uint32(n))
			b.WriteByte(longMarker)
			b.Write(size[:])
		}
		b.WriteString(digits)
		i = j
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
