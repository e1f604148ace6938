package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple key", "user:profile", true}, // colon is reserved
		{"plain key", "user.profile.123", false},
		{"empty key", "", true},
		{"single char", "a", false},
		{"max length", strings.Repeat("k", 250), false},
		{"over max length", strings.Repeat("k", 251), true},
		{"open brace", "a{b", true},
		{"close brace", "a}b", true},
		{"open paren", "a(b", true},
		{"close paren", "a)b", true},
		{"slash", "a/b", true},
		{"at sign", "a@b", true},
		{"double quote", `a"b`, true},
		{"invalid utf8", "a\xff\xfeb", true},
		{"unicode ok", "ключ-キー", false},
		{"dots and dashes", "sess.lock-abc_123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsInvalidKey(err), "expected ErrInvalidKey, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKeys(t *testing.T) {
	assert.NoError(t, ValidateKeys([]string{"a", "b", "c"}))

	err := ValidateKeys([]string{"a", "bad/key", "c"})
	require.Error(t, err)
	assert.True(t, IsInvalidKey(err))
}
