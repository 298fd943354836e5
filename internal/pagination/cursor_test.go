package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123000000, time.UTC)
	id := "asm_4f1c9e02"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		"bm9waXBl",     // "nopipe"
		"YWJjfGFzbV8x", // "abc|asm_1"
		"MTIzfA==",     // "123|"
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestParseLimit(t *testing.T) {
	n, err := ParseLimit("", 20, 100)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = ParseLimit("5", 20, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = ParseLimit("500", 20, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	for _, bad := range []string{"0", "-3", "ten"} {
		_, err := ParseLimit(bad, 20, 100)
		assert.ErrorIs(t, err, ErrInvalidLimit, bad)
	}
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return at, s }

	t.Run("no more", func(t *testing.T) {
		p := ComputePage([]string{"a", "b", "c"}, 5, key)
		assert.Len(t, p.Items, 3)
		assert.False(t, p.HasMore())
	})

	t.Run("exact limit", func(t *testing.T) {
		p := ComputePage([]string{"a", "b", "c"}, 3, key)
		assert.Len(t, p.Items, 3)
		assert.Empty(t, p.NextCursor)
	})

	t.Run("has more", func(t *testing.T) {
		p := ComputePage([]string{"a", "b", "c", "d"}, 3, key)
		assert.Equal(t, []string{"a", "b", "c"}, p.Items)
		require.True(t, p.HasMore())

		c, err := Decode(p.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, "c", c.ID)
		assert.Equal(t, at, c.CreatedAt)
	})
}
