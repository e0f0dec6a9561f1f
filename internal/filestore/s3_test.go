package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"tengine/internal/logging"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestPutThenFetch(t *testing.T) {
	bucket := &fakeBucket{}
	s := newS3(bucket, "transforms", "/shared/", logging.Discard())

	ref, err := s.Put(context.Background(), "quick.txt", strings.NewReader("quick brown fox"), 15)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasSuffix(ref, ".txt") || strings.Contains(ref, "/") {
		t.Fatalf("unexpected ref %q", ref)
	}
	if _, ok := bucket.objects["shared/"+ref]; !ok {
		t.Fatalf("object not stored under the prefix: %v", bucket.objects)
	}

	rc, size, err := s.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	if string(raw) != "quick brown fox" || size != 15 {
		t.Fatalf("fetched %q (%d)", raw, size)
	}
}

func TestFetchMissing(t *testing.T) {
	s := newS3(&fakeBucket{}, "transforms", "", logging.Discard())
	for _, ref := range []string{"nope", "", "../etc/passwd"} {
		if _, _, err := s.Fetch(context.Background(), ref); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Fetch(%q) = %v, want ErrNotFound", ref, err)
		}
	}
}

func TestFetchBackendFailure(t *testing.T) {
	s := newS3(&fakeBucket{getErr: errors.New("connection reset")}, "transforms", "", logging.Discard())
	_, _, err := s.Fetch(context.Background(), "abc")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("want a non-NotFound error, got %v", err)
	}
}
