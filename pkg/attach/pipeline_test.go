package attach

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type memStorage struct {
	mu      sync.Mutex
	uploads []string
	failFor map[string]error // substring of path -> error
}

func (s *memStorage) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for substr, err := range s.failFor {
		if strings.Contains(path, substr) {
			return err
		}
	}
	s.uploads = append(s.uploads, path)
	return nil
}

func (s *memStorage) PublicURL(path string) (string, error) {
	return "https://cdn.example.com/" + path, nil
}

func (s *memStorage) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func newTestPipeline(t *testing.T, storage ObjectStorage) *Pipeline {
	t.Helper()
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewPipeline(storage, ids, nil, zap.NewNop())
}

func imageFile(name string, size int64) File {
	return File{Name: name, Size: size, MimeType: "image/png", Content: strings.NewReader("fake")}
}

func TestIngestAcceptsValidImage(t *testing.T) {
	storage := &memStorage{}
	p := newTestPipeline(t, storage)

	result := p.Ingest(context.Background(), []File{imageFile("photo.png", 4<<20)})
	require.Empty(t, result.Rejected)
	require.Len(t, result.Accepted, 1)

	att := result.Accepted[0]
	assert.Equal(t, model.AttachmentImage, att.Kind)
	assert.Equal(t, "photo.png", att.FileName)
	assert.Contains(t, att.URL, "https://cdn.example.com/chat-uploads/")
	assert.Equal(t, 1, storage.uploadCount())
	require.NoError(t, att.Validate())
}

func TestOversizedImageRejectedBeforeUpload(t *testing.T) {
	storage := &memStorage{}
	p := newTestPipeline(t, storage)

	result := p.Ingest(context.Background(), []File{imageFile("huge.png", 6<<20)})
	require.Len(t, result.Rejected, 1)
	assert.ErrorIs(t, result.Rejected[0].Err, ErrAttachmentTooBig)
	assert.Equal(t, 0, storage.uploadCount(), "no network call for an oversized file")
}

func TestUnsupportedMimeRejected(t *testing.T) {
	storage := &memStorage{}
	p := newTestPipeline(t, storage)

	result := p.Ingest(context.Background(), []File{{
		Name: "notes.pdf", Size: 1024, MimeType: "application/pdf",
		Content: strings.NewReader("x"),
	}})
	require.Len(t, result.Rejected, 1)
	assert.ErrorIs(t, result.Rejected[0].Err, ErrUnsupportedFile)
	assert.Equal(t, 0, storage.uploadCount())
}

func TestAttachmentLimit(t *testing.T) {
	storage := &memStorage{}
	p := newTestPipeline(t, storage)

	var batch []File
	for i := 0; i < MaxAttachments; i++ {
		batch = append(batch, imageFile("a.png", 100))
	}
	result := p.Ingest(context.Background(), batch)
	require.Len(t, result.Accepted, MaxAttachments)

	// The sixth file hits the limit; the queued five stay sendable.
	result = p.Ingest(context.Background(), []File{imageFile("sixth.png", 100)})
	require.Len(t, result.Rejected, 1)
	assert.ErrorIs(t, result.Rejected[0].Err, ErrAttachmentLimit)
	assert.Len(t, p.Pending(), MaxAttachments)
}

func TestLimitCountsPartialBatch(t *testing.T) {
	storage := &memStorage{}
	p := newTestPipeline(t, storage)

	var batch []File
	for i := 0; i < MaxAttachments+2; i++ {
		batch = append(batch, imageFile("b.png", 100))
	}
	result := p.Ingest(context.Background(), batch)
	assert.Len(t, result.Accepted, MaxAttachments)
	require.Len(t, result.Rejected, 2)
	for _, r := range result.Rejected {
		assert.ErrorIs(t, r.Err, ErrAttachmentLimit)
	}
}

func TestRejectedFileDoesNotConsumeSlot(t *testing.T) {
	storage := &memStorage{}
	p := newTestPipeline(t, storage)

	var fill []File
	for i := 0; i < MaxAttachments-2; i++ {
		fill = append(fill, imageFile("fill.png", 100))
	}
	result := p.Ingest(context.Background(), fill)
	require.Len(t, result.Accepted, MaxAttachments-2)

	// Two free slots: the bad MIME rejection must not push either valid
	// file over the limit.
	result = p.Ingest(context.Background(), []File{
		{Name: "notes.pdf", Size: 100, MimeType: "application/pdf", Content: strings.NewReader("x")},
		imageFile("ok1.png", 100),
		imageFile("ok2.png", 100),
	})
	assert.Len(t, result.Accepted, 2)
	require.Len(t, result.Rejected, 1)
	assert.ErrorIs(t, result.Rejected[0].Err, ErrUnsupportedFile)
	assert.Len(t, p.Pending(), MaxAttachments)
}

func TestPartialBatchFailure(t *testing.T) {
	storage := &memStorage{failFor: map[string]error{".gif": errors.New("connection reset")}}
	p := newTestPipeline(t, storage)

	result := p.Ingest(context.Background(), []File{
		imageFile("first.png", 100),
		{Name: "broken.gif", Size: 100, MimeType: "image/gif", Content: strings.NewReader("x")},
		imageFile("third.png", 100),
	})

	// One failed upload does not abort the rest of the batch.
	assert.Len(t, result.Accepted, 2)
	require.Len(t, result.Rejected, 1)
	assert.ErrorIs(t, result.Rejected[0].Err, ErrUploadFailed)
	assert.Len(t, p.Pending(), 2)
}

func TestRemoveAndClear(t *testing.T) {
	storage := &memStorage{}
	p := newTestPipeline(t, storage)

	result := p.Ingest(context.Background(), []File{imageFile("a.png", 100), imageFile("b.png", 100)})
	require.Len(t, result.Accepted, 2)

	p.Remove(result.Accepted[0].ID)
	assert.Len(t, p.Pending(), 1)

	p.Clear()
	assert.Empty(t, p.Pending())
	assert.False(t, p.Uploading())
}
