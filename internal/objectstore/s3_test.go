package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	putErr       error
	getErr       error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (client *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.putErr != nil {
		return nil, client.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	client.objects[key] = data
	client.contentTypes[key] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (client *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.getErr != nil {
		return nil, client.getErr
	}
	data, ok := client.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StorePutGet(test *testing.T) {
	test.Parallel()
	client := newFakeS3()
	store, err := NewS3Store(client, S3Config{Bucket: "doodles", Region: "eu-west-1"})
	require.NoError(test, err)

	url, err := store.Put(context.Background(), "enhanced/x.png", []byte("png"), "image/png")
	require.NoError(test, err)
	require.Equal(test, "https://doodles.s3.eu-west-1.amazonaws.com/enhanced/x.png", url)
	require.Equal(test, "image/png", client.contentTypes["doodles/enhanced/x.png"])

	data, err := store.Get(context.Background(), "enhanced/x.png")
	require.NoError(test, err)
	require.Equal(test, []byte("png"), data)
}

func TestS3StorePublicBaseURL(test *testing.T) {
	test.Parallel()
	store, err := NewS3Store(newFakeS3(), S3Config{Bucket: "doodles", PublicBaseURL: "https://cdn.example.com/"})
	require.NoError(test, err)
	require.Equal(test, "https://cdn.example.com/uploads/a.png", store.URL("uploads/a.png"))
}

func TestS3StoreErrors(test *testing.T) {
	test.Parallel()
	client := newFakeS3()
	store, err := NewS3Store(client, S3Config{Bucket: "doodles"})
	require.NoError(test, err)

	_, err = store.Get(context.Background(), "uploads/missing.png")
	require.ErrorIs(test, err, ErrObjectNotFound)
	require.ErrorIs(test, err, pipeline.ErrNonRetryable)

	throttled := errors.New("slow down")
	client.getErr = throttled
	_, err = store.Get(context.Background(), "uploads/missing.png")
	require.ErrorIs(test, err, throttled)
	require.NotErrorIs(test, err, pipeline.ErrNonRetryable)

	client.putErr = throttled
	_, err = store.Put(context.Background(), "uploads/a.png", []byte("x"), "image/png")
	require.ErrorIs(test, err, throttled)
}

func TestNewS3StoreValidation(test *testing.T) {
	test.Parallel()
	_, err := NewS3Store(nil, S3Config{Bucket: "doodles"})
	require.Error(test, err)
	_, err = NewS3Store(newFakeS3(), S3Config{})
	require.Error(test, err)
}
