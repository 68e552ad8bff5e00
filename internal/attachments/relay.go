package attachments

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strings"

	"zing-server/internal/apperr"
	"zing-server/internal/models"
)

// Relay forwards uploaded files to an object store and returns attachment
// descriptors in the original file order. The whole batch is all-or-nothing:
// a single failed upload fails the send and nothing is recorded.
type Relay struct {
	store  ObjectStore
	tmpDir string
}

// NewRelay constructs a Relay. tmpDir is where uploads are spooled before
// forwarding; empty means the system temp directory.
func NewRelay(store ObjectStore, tmpDir string) *Relay {
	return &Relay{store: store, tmpDir: tmpDir}
}

// Store spools each part to a temporary file, forwards it to the object
// store, and returns descriptors in input order. Temporary files are removed
// on every exit path.
func (r *Relay) Store(ctx context.Context, files []*multipart.FileHeader) ([]models.Attachment, error) {
	descriptors := make([]models.Attachment, 0, len(files))
	for _, header := range files {
		att, err := r.storeOne(ctx, header)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, att)
	}
	return descriptors, nil
}

func (r *Relay) storeOne(ctx context.Context, header *multipart.FileHeader) (models.Attachment, error) {
	src, err := header.Open()
	if err != nil {
		return models.Attachment{}, apperr.InvalidArgument("unreadable upload: " + header.Filename)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(r.tmpDir, "upload-*")
	if err != nil {
		return models.Attachment{}, fmt.Errorf("spool upload: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, src)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("spool upload: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return models.Attachment{}, fmt.Errorf("spool upload: %w", err)
	}

	contentType := header.Header.Get("Content-Type")
	url, err := r.store.Put(ctx, header.Filename, contentType, tmp, size)
	if err != nil {
		return models.Attachment{}, apperr.Upstream("file upload failed")
	}

	return models.Attachment{
		URL:  url,
		Kind: KindFromContentType(contentType),
		Name: header.Filename,
		Size: size,
	}, nil
}

// KindFromContentType buckets a MIME type into the attachment kind enum.
// Anything that is not image, video, or audio is a document.
func KindFromContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.AttachmentImage
	case strings.HasPrefix(contentType, "video/"):
		return models.AttachmentVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.AttachmentAudio
	default:
		return models.AttachmentDocument
	}
}
