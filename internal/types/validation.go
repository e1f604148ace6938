package types

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the longest accepted cache key, in bytes.
const MaxKeyLength = 250

// reservedKeyChars are bytes that may never appear in a cache key. They
// collide with key-prefix delimiters and remote-protocol syntax.
const reservedKeyChars = `{}()/@:"`

// ValidateKey checks a cache key against the shared key contract: UTF-8,
// 1..250 bytes, none of the reserved characters. Violations are programmer
// errors and are reported as ErrInvalidKey.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key length %d exceeds maximum %d bytes",
			ErrInvalidKey, len(key), MaxKeyLength)
	}

	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: key contains invalid UTF-8", ErrInvalidKey)
	}

	if i := strings.IndexAny(key, reservedKeyChars); i >= 0 {
		return fmt.Errorf("%w: key contains reserved character %q at position %d",
			ErrInvalidKey, key[i], i)
	}

	return nil
}

// ValidateKeys validates every key in a batch, failing on the first bad one.
func ValidateKeys(keys []string) error {
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			return err
		}
	}
	return nil
}
