package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gurre/ddlog-backup/ddlogerr"
)

// s3Client narrows *s3.Client to the operations S3Store needs, mirroring
// the teacher's S3Client interface so tests can substitute a mock instead
// of a live SDK client.
type s3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Store implements Store and MultipartUploader over an S3-compatible
// bucket. Grounded on aws.S3ClientImpl, generalized from single-file
// manifest/report reads to the full put/get/list/delete/multipart
// contract required by the backup and restore pipelines (spec §4.1).
type S3Store struct {
	client s3Client
	bucket string
	prefix string
	retry  Retrier
}

// NewS3Store creates an S3Store rooted at an s3:// URI (bucket + optional
// key prefix).
func NewS3Store(client *s3.Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}
	return &S3Store{
		client: client,
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
		retry:  DefaultRetrier(),
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (PutResult, error) {
	fk := s.fullKey(key)

	// S3 requires a seekable body for retries; buffer small objects,
	// switch to multipart for anything at or above the threshold, matching
	// spec §4.1's "for objects >= 64 MB, may use multipart upload."
	if size >= MultipartThreshold {
		return s.putMultipart(ctx, fk, body, size, metadata)
	}

	buf, err := io.ReadAll(body)
	if err != nil {
		return PutResult{}, ddlogerr.Wrap(ddlogerr.Resource, "failed reading body", err)
	}

	var result PutResult
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(fk),
			Body:     strings.NewReader(string(buf)),
			Metadata: metadata,
		})
		if err != nil {
			return classifyS3Err(err)
		}
		result = PutResult{ETag: aws.ToString(out.ETag)}
		return nil
	})
	return result, err
}

func (s *S3Store) putMultipart(ctx context.Context, fk string, body io.Reader, size int64, metadata map[string]string) (PutResult, error) {
	uploadID, err := s.CreateMultipartUpload(ctx, fk)
	if err != nil {
		return PutResult{}, err
	}

	const partSize = 16 * 1024 * 1024
	var parts []CompletedPart
	buf := make([]byte, partSize)
	partNumber := int32(1)

	for {
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			etag, err := s.UploadPart(ctx, fk, uploadID, partNumber, strings.NewReader(string(buf[:n])), int64(n))
			if err != nil {
				_ = s.AbortMultipartUpload(ctx, fk, uploadID)
				return PutResult{}, err
			}
			parts = append(parts, CompletedPart{PartNumber: partNumber, ETag: etag})
			partNumber++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			_ = s.AbortMultipartUpload(ctx, fk, uploadID)
			return PutResult{}, ddlogerr.Wrap(ddlogerr.Resource, "failed reading body for multipart upload", readErr)
		}
	}

	return s.CompleteMultipartUpload(ctx, fk, uploadID, parts)
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			return classifyS3Err(err)
		}
		body = out.Body
		return nil
	})
	return body, err
}

func (s *S3Store) List(ctx context.Context, prefix string) (DescriptorIterator, error) {
	var descriptors []Descriptor
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.fullKey(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classifyS3Err(err)
		}
		for _, obj := range out.Contents {
			descriptors = append(descriptors, Descriptor{
				Key:   strings.TrimPrefix(aws.ToString(obj.Key), s.prefix+"/"),
				Size:  aws.ToInt64(obj.Size),
				Mtime: aws.ToTime(obj.LastModified),
				ETag:  aws.ToString(obj.ETag),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return &sliceDescriptorIterator{items: descriptors}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			return classifyS3Err(err)
		}
		return nil
	})
}

func (s *S3Store) DeleteMany(ctx context.Context, keys []string) error {
	const batchSize = 1000
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		batch := keys[start:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(s.fullKey(k))}
		}
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: objects},
			})
			if err != nil {
				return classifyS3Err(err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) PutIfAbsent(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        strings.NewReader(string(body)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "PreconditionFailed") {
			return ddlogerr.New(ddlogerr.Conflict, "key already exists", map[string]any{"key": key})
		}
		return classifyS3Err(err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, classifyS3Err(err)
	}
	return true, nil
}

func (s *S3Store) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classifyS3Err(err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return "", ddlogerr.Wrap(ddlogerr.Resource, "failed reading part body", err)
	}

	var etag string
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       strings.NewReader(string(buf)),
		})
		if err != nil {
			return classifyS3Err(err)
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (PutResult, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{PartNumber: aws.Int32(p.PartNumber), ETag: aws.String(p.ETag)}
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return PutResult{}, classifyS3Err(err)
	}
	return PutResult{ETag: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classifyS3Err(err)
	}
	return nil
}

// classifyS3Err maps an SDK error to a §7 Kind. Throttling and connection
// failures are transient and retryable; everything else is treated as a
// resource failure, mirroring writer.isThrottlingError's narrow match
// generalized to a catch-all since S3 error codes vary more widely than
// DynamoDB's.
func classifyS3Err(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SlowDown"),
		strings.Contains(msg, "RequestTimeout"),
		strings.Contains(msg, "Throttling"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "EOF"):
		return ddlogerr.Wrap(ddlogerr.Transient, "s3 transient error", err)
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"):
		return ddlogerr.Wrap(ddlogerr.Data, "not_found", err)
	default:
		return ddlogerr.Wrap(ddlogerr.Resource, "s3 error", err)
	}
}

var _ MultipartUploader = (*S3Store)(nil)
