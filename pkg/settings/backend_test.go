package settings

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vango-dev/serversync/pkg/codec"
)

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func TestS3Backend(t *testing.T) {
	client := newFakeS3()
	b := NewS3Backend(client, "bucket", "server/settings.toml")
	ctx := context.Background()

	data, err := b.Load(ctx)
	if err != nil || data != nil {
		t.Fatalf("Load() of missing object = %q, %v, want nil, nil", data, err)
	}

	s := New(b, WithLogger(discardLogger()))
	f := mustDefine(t, s, "Gameplay", "Count", codec.Int32Shape, int32(5))
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if client.puts != 1 {
		t.Errorf("puts = %d, want 1", client.puts)
	}

	f.SetValue(int32(9))
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Value() != int32(5) {
		t.Errorf("Value() = %v, want 5 from the stored object", f.Value())
	}
}

func TestS3BackendError(t *testing.T) {
	client := newFakeS3()
	client.getErr = errors.New("access denied")
	b := NewS3Backend(client, "bucket", "k")

	if _, err := b.Load(context.Background()); err == nil {
		t.Error("Load() should surface non-404 errors")
	}
}

func TestS3BackendTooLarge(t *testing.T) {
	client := newFakeS3()
	client.objects["bucket/k"] = make([]byte, MaxDocumentSize+1)
	b := NewS3Backend(client, "bucket", "k")

	if _, err := b.Load(context.Background()); !errors.Is(err, ErrDocumentTooLarge) {
		t.Errorf("Load() error = %v, want ErrDocumentTooLarge", err)
	}
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Config{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})
	opts := c.Options()
	if opts.Region != "us-east-1" {
		t.Errorf("Region = %q", opts.Region)
	}
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "http://localhost:9000" {
		t.Errorf("BaseEndpoint = %v", opts.BaseEndpoint)
	}
	creds, err := opts.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "key" {
		t.Errorf("AccessKeyID = %q, want key", creds.AccessKeyID)
	}
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.toml")
	b := NewFileBackend(path)
	ctx := context.Background()

	if err := b.Save(ctx, []byte("a = 1\n")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := b.Save(ctx, []byte("a = 2\n")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(data) != "a = 2\n" {
		t.Errorf("Load() = %q, want the last save", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory holds %d files, want 1 (no temp files left)", len(entries))
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	s := New(NewFileBackend(path), WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func() { changed <- struct{}{} })
	}()

	// Writes before the watcher is registered are missed, so keep writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		select {
		case <-changed:
			break wait
		case <-tick.C:
			os.WriteFile(path, []byte("a = 1\n"), 0o644)
		case <-deadline:
			t.Fatal("no change notification")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestWatchNeedsFileBackend(t *testing.T) {
	s := New(NewMemoryBackend())
	if err := s.Watch(context.Background(), func() {}); !errors.Is(err, ErrNotWatchable) {
		t.Errorf("Watch() error = %v, want ErrNotWatchable", err)
	}
}
