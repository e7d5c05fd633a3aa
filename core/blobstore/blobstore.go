// Package blobstore stores files outside of the database. There are two
// drivers: the local filesystem and AWS S3.
package blobstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Method is a http method a pre-signed URL is valid for
type Method string

// The supported pre-signed methods
const (
	Get Method = "GET"
	Put Method = "PUT"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("blob not found")
	// ErrPreconditionFailed is returned by UploadDataIfMatch when the stored blob changed
	ErrPreconditionFailed = errors.New("blob precondition failed")
)

// FileUpdatedEvent is passed to the callback when a file was uploaded through a pre-signed URL
type FileUpdatedEvent struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Size  int64  `json:"size"`
	Etags string `json:"etag"`
}

// Blob is a downloaded file
type Blob struct {
	Data []byte
	ETag string
}

// Driver defines the interface for a blob store
type Driver interface {
	// UploadData stores data under key and returns the new etag
	UploadData(ctx context.Context, key string, data []byte) (string, error)
	// UploadDataIfMatch stores data only if the stored etag is etag. An empty etag
	// requires that the key does not exist yet.
	UploadDataIfMatch(ctx context.Context, key string, data []byte, etag string) (string, error)
	// Download returns the data and etag stored under key, or ErrNotFound
	Download(ctx context.Context, key string) (Blob, error)
	// Delete deletes the key
	Delete(ctx context.Context, key string) error
	// DeleteAllWithPrefix deletes all keys starting with prefix
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
	// ListAllWithPrefix returns all keys starting with prefix, sorted
	ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error)
	// GetPreSignedURL returns a URL that can be used with the given method until expireIn is passed
	GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error)
	// WithCallBack registers a callback for files uploaded through pre-signed URLs
	WithCallBack(callback func(FileUpdatedEvent) error)
}

// DriverType represents the different types of drivers
type DriverType string

// The known driver types
const (
	DriverTypeLocal DriverType = "local"
	DriverTypeAWSS3 DriverType = "s3"
)

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", …
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	t := strings.Trim(etag, " \"")
	for _, s := range strings.Split(ifNoneMatch, ",") {
		if strings.Trim(s, " \"") == t {
			return true
		}
	}
	return false
}
