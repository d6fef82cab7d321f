package sandbox

import (
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

const (
	lowerAlphabetChars = "abcdefghijklmnopqrstuvwxyz"
	numericChars       = "0123456789"
	shortIDChars       = lowerAlphabetChars + numericChars
	defaultShortIDLen  = 8
	maxShortIDLen      = 64
)

// helperUUID returns a random version 4 UUID.
func helperUUID(args ...any) (any, error) {
	if err := arity("uuid", args, 0, 0); err != nil {
		return nil, err
	}
	return uuid.NewString(), nil
}

// helperShortID returns a random lowercase alphanumeric identifier (default 8 characters).
func helperShortID(args ...any) (any, error) {
	if err := arity("shortId", args, 0, 1); err != nil {
		return nil, err
	}
	length := defaultShortIDLen
	if len(args) == 1 {
		n, err := toInt(args[0])
		if err != nil {
			return nil, err
		}
		length = min(max(n, 1), maxShortIDLen)
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(shortIDChars[rand.Intn(len(shortIDChars))])
	}
	return builder.String(), nil
}
