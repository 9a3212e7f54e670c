package collab

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/apflow_backend/workflow"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSDocumentStore resolves raw document refs (object keys) from the
// configured bucket.
type GCSDocumentStore struct {
	bucket string
}

func NewGCSDocumentStore() (*GCSDocumentStore, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	return &GCSDocumentStore{bucket: bucket}, nil
}

// gcsClient prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// Explicit JSON via GCS_CREDENTIALS_JSON is for local runs.
func gcsClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

func (s *GCSDocumentStore) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	if ref == "" || strings.Contains(ref, "..") || strings.HasPrefix(ref, "/") {
		return nil, "", workflow.ErrDocumentNotFound
	}

	client, err := gcsClient(ctx)
	if err != nil {
		return nil, "", &workflow.TransientExternalError{Op: "document fetch", Err: err}
	}
	defer client.Close()

	obj := client.Bucket(s.bucket).Object(ref)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", workflow.ErrDocumentNotFound
		}
		return nil, "", &workflow.TransientExternalError{Op: "document fetch", Err: err}
	}

	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", workflow.ErrDocumentNotFound
		}
		return nil, "", &workflow.TransientExternalError{Op: "document fetch", Err: err}
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", &workflow.TransientExternalError{Op: "document fetch", Err: err}
	}

	mimeType := attrs.ContentType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return data, mimeType, nil
}
