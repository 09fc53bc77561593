package adapters

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	listErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func newTestRemote(t *testing.T) (*S3Remote, *fakeS3) {
	t.Helper()
	var buf bytes.Buffer
	fake := newFakeS3()
	remote := NewS3RemoteWithClient(fake, "bucket", "/chatvault/", events.NewTestLogger(events.DebugLevel, "json", &buf))
	return remote, fake
}

func TestS3RemoteKeys(t *testing.T) {
	remote, _ := newTestRemote(t)

	assert.Equal(t, "chatvault/records/chat-1.json", remote.recordKey("chat-1"))
	assert.Equal(t, "chatvault/records/a%2Fb.json", remote.recordKey("a/b"))
	assert.Equal(t, "chatvault/tombstones/chat-1", remote.tombstoneKey("chat-1"))
	assert.Equal(t, "chatvault/passkeys.json", remote.credentialsKey())
}

func TestS3RemoteRecords(t *testing.T) {
	remote, fake := newTestRemote(t)
	ctx := context.Background()

	clock := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	remote.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for _, id := range []string{"a", "b", "c"} {
		stored, err := remote.UploadRecord(ctx, models.RemoteRecord{ID: id, SyncVersion: 1, Content: []byte("ct-" + id)})
		require.NoError(t, err)
		assert.Nil(t, stored.Content)
		assert.False(t, stored.UpdatedAt.IsZero())
	}

	rec, err := remote.GetRecord(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct-b"), rec.Content)

	page, err := remote.ListRecords(ctx, models.ListOptions{Limit: 2, WithContent: true})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "c", page.Records[0].ID)
	assert.Equal(t, []byte("ct-c"), page.Records[0].Content)
	assert.Equal(t, "2", page.NextCursor)

	page, err = remote.ListRecords(ctx, models.ListOptions{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "a", page.Records[0].ID)
	assert.Nil(t, page.Records[0].Content)
	assert.Empty(t, page.NextCursor)

	status, err := remote.SyncStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Count)

	since := status.LastUpdated.Add(-time.Second)
	page, err = remote.ListRecords(ctx, models.ListOptions{ChangedSince: &since})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "c", page.Records[0].ID)

	require.NoError(t, remote.DeleteRecord(ctx, "a"))
	assert.False(t, fake.has("chatvault/records/a.json"))
	assert.True(t, fake.has("chatvault/tombstones/a"))

	err = remote.DeleteRecord(ctx, "a")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	tombs, err := remote.DeletedSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, tombs, 1)
	assert.Equal(t, "a", tombs[0].ID)

	// Re-uploading clears the tombstone.
	_, err = remote.UploadRecord(ctx, models.RemoteRecord{ID: "a", SyncVersion: 2})
	require.NoError(t, err)
	assert.False(t, fake.has("chatvault/tombstones/a"))
}

func TestS3RemoteCredentials(t *testing.T) {
	remote, _ := newTestRemote(t)
	ctx := context.Background()

	entries, err := remote.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	want := []models.PasskeyCredentialEntry{{ID: "cred-1", EncryptedKeyBundle: []byte{1, 2}, IV: []byte{3}, SyncVersion: 4}}
	require.NoError(t, remote.PutCredentials(ctx, want))

	got, err := remote.GetCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].EncryptedKeyBundle, got[0].EncryptedKeyBundle)
	assert.Equal(t, 4, got[0].SyncVersion)
}

func TestS3RemoteErrorClassification(t *testing.T) {
	remote, fake := newTestRemote(t)
	ctx := context.Background()

	_, err := remote.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	fake.listErr = errors.New("connection reset")
	_, err = remote.SyncStatus(ctx, "")
	assert.ErrorIs(t, err, models.ErrNetwork)
	assert.True(t, models.IsTransient(err))

	_, err = remote.ListRecords(ctx, models.ListOptions{Cursor: "nope"})
	assert.Error(t, err)
}

func TestPaginate(t *testing.T) {
	records := make([]models.RemoteRecord, 5)

	page, err := paginate(records, "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Records, 5)
	assert.Empty(t, page.NextCursor)

	page, err = paginate(records, "4", 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)

	page, err = paginate(records, "9", 2)
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	_, err = paginate(records, "-1", 2)
	assert.Error(t, err)
}
