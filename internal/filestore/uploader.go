package filestore

import (
	"bytes"
	"errors"
	"fmt"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

var ErrNotAnImage = errors.New("attachment is not a supported image")

// maxImageSize caps a single attachment at 10 MiB.
const maxImageSize = 10 << 20

type metadataStore interface {
	UpsertFileMetadata(meta storage.FileMetadata) error
}

// Uploader persists raw image attachments and hands back the reference
// stored on a message. One Upload call per attachment, before the
// message is created.
type Uploader struct {
	files   FileStore
	meta    metadataStore
	baseURL string
}

func NewUploader(files FileStore, meta metadataStore, baseURL string) *Uploader {
	return &Uploader{files: files, meta: meta, baseURL: baseURL}
}

// Upload sniffs the content, rejects non-images, stores the bytes and
// records metadata. The returned Image carries the serving URL and the
// storage key.
func (u *Uploader) Upload(userID string, data []byte) (models.Image, error) {
	if len(data) == 0 {
		return models.Image{}, ErrNotAnImage
	}
	if len(data) > maxImageSize {
		return models.Image{}, fmt.Errorf("attachment exceeds %d bytes", maxImageSize)
	}

	kind, err := filetype.Match(data)
	if err != nil {
		return models.Image{}, fmt.Errorf("failed to sniff attachment: %w", err)
	}
	if !filetype.IsImage(data) {
		return models.Image{}, ErrNotAnImage
	}

	key := uuid.NewString() + "." + kind.Extension
	if err := u.files.Save(bytes.NewReader(data), key); err != nil {
		return models.Image{}, fmt.Errorf("failed to store attachment: %w", err)
	}

	err = u.meta.UpsertFileMetadata(storage.FileMetadata{
		ID:       key,
		MimeType: kind.MIME.Value,
		Size:     int64(len(data)),
		UserID:   userID,
	})
	if err != nil {
		return models.Image{}, fmt.Errorf("failed to store attachment metadata: %w", err)
	}

	return models.Image{
		URL:      u.baseURL + "/images/" + key,
		Filename: key,
	}, nil
}
