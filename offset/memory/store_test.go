package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcflow/offset"
)

func TestStore_SetIsInvisibleUntilFlush(t *testing.T) {
	ctx := context.Background()
	s, err := offset.NewStore("memory")
	require.NoError(t, err)

	_, err = s.Get(ctx, "p1")
	require.ErrorIs(t, err, offset.ErrNotFound)

	require.NoError(t, s.Set(ctx, "p1", "7"))
	_, err = s.Get(ctx, "p1")
	assert.ErrorIs(t, err, offset.ErrNotFound)

	require.NoError(t, s.Flush(ctx))
	pos, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "7", pos)
}
