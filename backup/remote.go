package backup

import (
	"context"
	"time"

	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/pkg/errors"
)

// Remote is the object store tier.
type Remote interface {
	Upload(ctx context.Context, payload models.BackupPayload) error
	// Download returns models.ErrNotFound if nothing was uploaded yet.
	Download(ctx context.Context) (models.BackupPayload, error)
}

// ObjectStorage keeps the payload as a single object in the configured minio bucket.
type ObjectStorage struct {
	key string
}

func NewObjectStorage(key string) *ObjectStorage {
	return &ObjectStorage{key: key}
}

func (o *ObjectStorage) Upload(ctx context.Context, payload models.BackupPayload) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return helpers.UploadObject(ctx, o.key, data, map[string]string{
		"snapshot-timestamp": payload.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (o *ObjectStorage) Download(ctx context.Context) (payload models.BackupPayload, err error) {
	data, err := helpers.RetrieveObject(ctx, o.key)
	if errors.Cause(err) == helpers.ErrObjectNotFound {
		return payload, models.ErrNotFound
	}
	if err != nil {
		return payload, errors.Wrap(models.ErrRemoteUnavailable, err.Error())
	}
	return decodePayload(data)
}
