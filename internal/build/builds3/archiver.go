// Package builds3 archives finished build models to S3-compatible storage.
package builds3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/s3util"
)

var _ build.Archiver = (*Archiver)(nil)

var ErrModelTooLarge = errors.New("model too large")

type Archiver struct {
	client *s3.Client // required

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int
}

func NewArchiver(client *s3.Client) *Archiver {
	return &Archiver{
		client:         client,
		uploadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

// Key is the object key of an archived model.
func Key(projectID, buildID string) string {
	return path.Join("builds", projectID, buildID, "model.json")
}

// ArchiveModel implements build.Archiver.
func (a *Archiver) ArchiveModel(ctx context.Context, projectID, buildID string, model []byte) error {
	uploader := manager.NewUploader(a.client, func(u *manager.Uploader) {
		u.PartSize = int64(a.uploadPartSize)
	})

	key := Key(projectID, buildID)
	contentType := "application/json"
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s3util.BucketName,
		Key:         &key,
		Body:        bytes.NewReader(model),
		ContentType: &contentType,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrModelTooLarge, err)
		}
		return fmt.Errorf("builds3.Archiver: %w", err)
	}

	err = s3.NewObjectExistsWaiter(a.client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: &s3util.BucketName,
		Key:    &key,
	}, time.Minute)
	if err != nil {
		return fmt.Errorf("builds3.Archiver: %w", err)
	}

	return nil
}

// OpenModel returns the archived model of a build.
// The caller closes the returned reader.
func (a *Archiver) OpenModel(ctx context.Context, projectID, buildID string) (io.ReadCloser, error) {
	key := Key(projectID, buildID)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s3util.BucketName,
		Key:    &key,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, build.ErrNotFound
		}
		return nil, fmt.Errorf("builds3.Archiver: %w", err)
	}
	return out.Body, nil
}
