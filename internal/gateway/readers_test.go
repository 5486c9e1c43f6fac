package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderPool_ReusesReaders(t *testing.T) {
	readers := newReaderPool(1, 64)
	ctx := context.Background()

	first, err := readers.borrow(ctx, strings.NewReader("first"))
	require.NoError(t, err)
	line, err := first.ReadString('\n')
	assert.Equal(t, "first", line)
	assert.Error(t, err)
	require.NoError(t, readers.release(ctx, first))

	second, err := readers.borrow(ctx, strings.NewReader("second\n"))
	require.NoError(t, err)
	assert.Same(t, first, second)
	line, err = second.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "second\n", line)
	require.NoError(t, readers.release(ctx, second))
}
