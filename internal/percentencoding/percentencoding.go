// Package percentencoding implements a strict form of URL encoding[1]
// that leaves only [A-Za-z0-9_-] intact, which makes the output safe
// to embed into compound status-store keys without ambiguity.
//
// [1]: https://en.wikipedia.org/wiki/Percent-encoding
package percentencoding

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrIncompleteInput = errors.New("incomplete input")

func Encode(s string) string {
	var result strings.Builder

	for _, c := range []byte(s) {
		if unreserved(c) {
			result.WriteByte(c)

			continue
		}

		result.WriteString(fmt.Sprintf("%%%02x", c))
	}

	return result.String()
}

func Decode(s string) (string, error) {
	var result strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			result.WriteByte(s[i])

			continue
		}

		if (i + 2) >= len(s) {
			return "", ErrIncompleteInput
		}

		value, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", err
		}

		result.WriteByte(byte(value))

		i += 2
	}

	return result.String(), nil
}

func unreserved(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c == '-' || c == '_':
		return true
	default:
		return false
	}
}
