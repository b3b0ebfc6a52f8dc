package blob

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/types"
)

func TestMemoryStore_ContentAddressed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ref1, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	ref2, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
	assert.Equal(t, 1, s.Len())

	data, err := s.Get(ctx, ref1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, ref1))
	_, err = s.Get(ctx, ref1)
	assert.ErrorIs(t, err, types.ErrBlobNotFound)
}

func TestCodec_InlineAndOffload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	codec := NewCodec(store, 32)

	small, err := codec.Encode(ctx, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.False(t, small.IsBlob())

	big := map[string]any{"text": strings.Repeat("x", 100)}
	ref, err := codec.Encode(ctx, big)
	require.NoError(t, err)
	assert.True(t, ref.IsBlob())
	assert.Empty(t, ref.Inline)

	var out map[string]any
	require.NoError(t, codec.Decode(ctx, ref, &out))
	assert.Equal(t, big["text"], out["text"])

	require.NoError(t, codec.Decode(ctx, small, &out))
	assert.EqualValues(t, 1, out["a"])
}

func TestCodec_MissingBlob(t *testing.T) {
	codec := NewCodec(NewMemoryStore(), 1)
	err := codec.Decode(context.Background(), types.PayloadRef{BlobKey: "sha256/none"}, &map[string]any{})
	assert.Equal(t, types.ErrorKindTransient, types.Classify(err))

	noStore := NewCodec(nil, 0)
	err = noStore.Decode(context.Background(), types.PayloadRef{BlobKey: "k"}, &map[string]any{})
	assert.Equal(t, types.ErrorKindValidation, types.Classify(err))
}
