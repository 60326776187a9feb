// internal/contacts/password_test.go
package contacts

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePassword(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)

		assert.GreaterOrEqual(t, len(pw), 8)
		assert.LessOrEqual(t, len(pw), 15)

		assert.True(t, strings.ContainsAny(pw, lowerChars), "missing lowercase in %q", pw)
		assert.True(t, strings.ContainsAny(pw, upperChars), "missing uppercase in %q", pw)
		assert.True(t, strings.ContainsAny(pw, digitChars), "missing digit in %q", pw)
		assert.True(t, strings.ContainsAny(pw, specialChars), "missing special in %q", pw)

		for _, r := range pw {
			assert.True(t, strings.ContainsRune(allChars, r), "character %q outside the allowed set", r)
		}
	}
}

func TestGeneratePasswordVariesLength(t *testing.T) {
	t.Parallel()

	lengths := map[int]bool{}
	for i := 0; i < 500; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		lengths[len(pw)] = true
	}
	// With 500 draws over 8 possible lengths, seeing only one length
	// would mean the length is not random at all.
	assert.Greater(t, len(lengths), 1)
}

// FuzzUsernameOrdinal exercises the username derivation with arbitrary
// cursors and prefixes.
func FuzzUsernameOrdinal(f *testing.F) {
	f.Add([]byte("bznavcare\x00\x07"))
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		prefix, err := c.GetString()
		if err != nil {
			return
		}
		cursor, err := c.GetInt()
		if err != nil {
			return
		}
		pool := &Pool{}
		name := pool.Username(prefix, &Lease{Cursor: int64(cursor)})
		if !strings.HasPrefix(name, prefix) {
			t.Fatalf("username %q lost its prefix %q", name, prefix)
		}
	})
}
