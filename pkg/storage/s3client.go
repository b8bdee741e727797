package storage

import "context"

// S3Client is the object-store surface the partition log runs on. Segment
// and index objects are immutable once uploaded; reads may ask for a byte
// sub-range of a segment.
type S3Client interface {
	UploadSegment(ctx context.Context, key string, body []byte) error
	UploadIndex(ctx context.Context, key string, body []byte) error
	// DownloadSegment fetches a segment object. A nil rng means the whole
	// object.
	DownloadSegment(ctx context.Context, key string, rng *ByteRange) ([]byte, error)
	DownloadIndex(ctx context.Context, key string) ([]byte, error)
	ListSegments(ctx context.Context, prefix string) ([]S3Object, error)
	EnsureBucket(ctx context.Context) error
}

// ByteRange is an inclusive byte interval within an object.
type ByteRange struct {
	Start int64
	End   int64
}

// S3Object is one listed object: its key and stored size.
type S3Object struct {
	Key  string
	Size int64
}

// S3Config carries connection details for AWS S3 or compatible endpoints
// (MinIO and friends need ForcePathStyle).
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	KMSKeyARN       string
}
