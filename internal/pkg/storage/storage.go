package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("object not found")

// Storage is an object store addressed by slash-separated keys
type Storage interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete returns nil if the object does not exist
	Delete(ctx context.Context, key string) error
	GetURL(key string) string
}

// Config selects and configures a backend
type Config struct {
	S3Endpoint  string // empty for AWS, set for MinIO
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	PublicURL   string
}

// cleanKey rejects keys that would escape the storage root
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", errors.New("empty storage key")
	}
	return key, nil
}
