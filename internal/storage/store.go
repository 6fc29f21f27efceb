package storage

import (
	"context"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

// ObjectStore is the durable store for rendered images and uploaded
// references. Upload returns a stable reference (URL when a base URL is
// configured, otherwise the storage key).
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
	Enabled() bool
	URL(key string) string
}

// Disabled is the zero object store used when no storage is configured.
// Callers that hard-require durable storage fail with ErrStorageDisabled.
type Disabled struct{}

func (Disabled) Upload(ctx context.Context, key string, data []byte) (string, error) {
	return "", domain.ErrStorageDisabled
}

func (Disabled) Enabled() bool { return false }

func (Disabled) URL(key string) string { return "" }
