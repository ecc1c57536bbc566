// Package storage uploads converted GIFs to Google Cloud Storage through the
// JSON API. Credentials come from Application Default Credentials.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gstorage "google.golang.org/api/storage/v1"
)

// GCSUploader writes objects into a single bucket.
type GCSUploader struct {
	Bucket string
	svc    *gstorage.Service
}

// NewGCSUploader builds an uploader for the bucket using ADC.
func NewGCSUploader(ctx context.Context, bucket string) (*GCSUploader, error) {
	if bucket == "" {
		return nil, errors.New("bucket name required")
	}
	client, err := google.DefaultClient(ctx, gstorage.DevstorageReadWriteScope)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	svc, err := gstorage.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("storage service: %w", err)
	}
	return &GCSUploader{Bucket: bucket, svc: svc}, nil
}

// Upload inserts the object and returns its public URL. With publicRead the
// object gets the publicRead predefined ACL so the returned URL serves
// without credentials.
func (u *GCSUploader) Upload(ctx context.Context, objectName, contentType string, r io.Reader, publicRead bool) (string, error) {
	obj := &gstorage.Object{
		Name:         objectName,
		ContentType:  contentType,
		CacheControl: "public, max-age=86400",
	}
	call := u.svc.Objects.Insert(u.Bucket, obj).Media(r, googleapi.ContentType(contentType)).Context(ctx)
	if publicRead {
		call = call.PredefinedAcl("publicRead")
	}
	if _, err := call.Do(); err != nil {
		return "", fmt.Errorf("insert object %s: %w", objectName, err)
	}
	return PublicURL(u.Bucket, objectName), nil
}

// PublicURL is the storage.googleapis.com address of an object, with each
// path segment escaped individually so slashes in the object name survive.
func PublicURL(bucket, object string) string {
	segs := strings.Split(object, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, strings.Join(segs, "/"))
}
