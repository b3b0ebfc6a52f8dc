package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// fakeS3 内存中的对象存储
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newStore(fake, "bucket", "node-engine")

	ref, err := s.Put(ctx, []byte(`{"rows":42}`))
	require.NoError(t, err)
	assert.Equal(t, blob.ContentKey([]byte(`{"rows":42}`)), ref)
	assert.Contains(t, fake.objects, "bucket/node-engine/"+ref, "对象键带前缀")

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":42}`, string(data))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, types.ErrBlobNotFound)
}

func TestStore_WithCodec(t *testing.T) {
	ctx := context.Background()
	codec := blob.NewCodec(newStore(newFakeS3(), "bucket", ""), 4)

	ref, err := codec.Encode(ctx, []int{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.True(t, ref.IsBlob())

	var out []int
	require.NoError(t, codec.Decode(ctx, ref, &out))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, out)
}

func TestStore_PutFailureIsTransient(t *testing.T) {
	fake := newFakeS3()
	fake.failPut = errors.New("connection reset")
	_, err := newStore(fake, "bucket", "").Put(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindTransient, types.Classify(err))
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
