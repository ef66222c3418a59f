package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailingBufferKeepsNewest(t *testing.T) {
	b := newTrailingBuffer(10)

	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "0123456789", b.String())

	// Overflow discards the oldest bytes, never the newest
	_, err = b.Write([]byte("abcde"))
	require.NoError(t, err)
	assert.Equal(t, "56789abcde", b.String())
}

func TestTrailingBufferOversizedWrite(t *testing.T) {
	b := newTrailingBuffer(4)

	n, err := b.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 8, n, "Write reports the full input consumed")
	assert.Equal(t, "efgh", b.String())
}

func TestTrailingBufferManySmallWrites(t *testing.T) {
	b := newTrailingBuffer(6)
	for _, chunk := range []string{"aa", "bb", "cc", "dd"} {
		_, err := b.Write([]byte(chunk))
		require.NoError(t, err)
	}
	assert.Equal(t, "bbccdd", b.String())
	assert.True(t, strings.HasSuffix("aabbccdd", b.String()))
}
