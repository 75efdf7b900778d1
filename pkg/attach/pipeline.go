// Package attach turns local files into sendable attachment descriptors:
// validate, upload to object storage, resolve the public URL.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

const (
	MaxAttachments = 5
	MaxImageBytes  = 5 << 20 // 5 MB
)

var (
	ErrAttachmentLimit  = errors.New("attachment limit reached")
	ErrUnsupportedFile  = errors.New("unsupported file type")
	ErrAttachmentTooBig = errors.New("file exceeds the size limit")
	ErrUploadFailed     = errors.New("upload failed")
	ErrURLResolveFailed = errors.New("public url could not be resolved")
)

// defaultAllowed is the image-only MIME allow list.
var defaultAllowed = map[string]model.AttachmentKind{
	"image/jpeg": model.AttachmentImage,
	"image/png":  model.AttachmentImage,
	"image/gif":  model.AttachmentImage,
	"image/webp": model.AttachmentImage,
}

// ObjectStorage is the external blob collaborator.
type ObjectStorage interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) error
	PublicURL(path string) (string, error)
}

// File is one local file offered to the pipeline.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Content  io.Reader
}

// Rejection reports why one file in a batch was not ingested.
type Rejection struct {
	Name string
	Err  error
}

// Result reports the batch outcome. Partial success is normal: rejected
// files never abort the rest of the batch.
type Result struct {
	Accepted []model.Attachment
	Rejected []Rejection
}

// Pipeline validates and uploads attachment batches for one outgoing
// message. It tracks the pending set against the per-message limit and an
// in-flight flag so the caller can hold the send action until uploads
// settle.
type Pipeline struct {
	storage  ObjectStorage
	ids      *snowflake.Node
	sink     notify.Sink
	log      *zap.Logger
	allowed  map[string]model.AttachmentKind
	maxBytes int64
	maxCount int

	mu       sync.Mutex
	pending  []model.Attachment
	inflight int
}

func NewPipeline(storage ObjectStorage, ids *snowflake.Node, sink notify.Sink, log *zap.Logger) *Pipeline {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Pipeline{
		storage:  storage,
		ids:      ids,
		sink:     sink,
		log:      log,
		allowed:  defaultAllowed,
		maxBytes: MaxImageBytes,
		maxCount: MaxAttachments,
	}
}

// Ingest processes a batch of files. Only accepted files consume free
// slots, so a MIME or size rejection never costs a later file its place;
// once the slots run out the rest of the batch is rejected with
// ErrAttachmentLimit. Validation runs before any upload I/O, in order:
// MIME type, then size.
func (p *Pipeline) Ingest(ctx context.Context, files []File) Result {
	p.mu.Lock()
	slots := p.maxCount - len(p.pending)
	if slots < 0 {
		slots = 0
	}
	p.inflight++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	var result Result
	for _, f := range files {
		if slots == 0 {
			result.Rejected = append(result.Rejected, Rejection{Name: f.Name, Err: ErrAttachmentLimit})
			p.reject(f.Name, ErrAttachmentLimit)
			continue
		}

		att, err := p.ingestOne(ctx, f)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{Name: f.Name, Err: err})
			p.reject(f.Name, err)
			continue
		}
		slots--

		p.mu.Lock()
		p.pending = append(p.pending, *att)
		p.mu.Unlock()
		result.Accepted = append(result.Accepted, *att)
		metrics.UploadsAccepted.Inc()
	}
	return result
}

func (p *Pipeline) ingestOne(ctx context.Context, f File) (*model.Attachment, error) {
	kind, ok := p.allowed[f.MimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, f.MimeType)
	}
	if f.Size > p.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrAttachmentTooBig, f.Size, p.maxBytes)
	}

	path := uploadPath(f.Name)
	if err := p.storage.Upload(ctx, path, f.Content, f.Size, f.MimeType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	url, err := p.storage.PublicURL(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrURLResolveFailed, err)
	}

	return &model.Attachment{
		ID:       p.ids.Generate(),
		Kind:     kind,
		URL:      url,
		FileName: f.Name,
		Size:     f.Size,
		MimeType: f.MimeType,
	}, nil
}

// Pending returns the attachments queued for the outgoing message.
func (p *Pipeline) Pending() []model.Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Attachment, len(p.pending))
	copy(out, p.pending)
	return out
}

// Remove drops one queued attachment by id.
func (p *Pipeline) Remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pending {
		if p.pending[i].ID == id {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

// Clear resets the pending set after the message is sent.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// Uploading reports whether any batch is still in flight; the send action
// stays disabled until this returns false.
func (p *Pipeline) Uploading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight > 0
}

func (p *Pipeline) reject(name string, err error) {
	metrics.UploadsRejected.Inc()
	p.log.Warn("attachment rejected", zap.String("file", name), zap.Error(err))
	p.sink.Notify(notify.Errorf(rejectCode(err), fmt.Sprintf("%s: %v", name, err), err))
}

func rejectCode(err error) string {
	switch {
	case errors.Is(err, ErrAttachmentLimit):
		return "attachment_limit"
	case errors.Is(err, ErrUnsupportedFile):
		return "unsupported_file"
	case errors.Is(err, ErrAttachmentTooBig):
		return "attachment_too_large"
	default:
		return "attachment_upload_failed"
	}
}

// uploadPath builds a collision-resistant object path: time prefix, random
// suffix, original extension.
func uploadPath(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("chat-uploads/%d-%s%s", time.Now().UnixNano(), suffix, ext)
}
