// Package objectstore is the minimal S3-compatible contract used by the
// rest of the backfiller. It is the only component that talks directly to
// the object store; everything else goes through it or through the lake
// cache that wraps it.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/near/historical-backfiller/internal/errs"
)

// ListResult is the shape returned by a single (possibly paginated) listing
// call: a page of common prefixes (pseudo-directories), a page of object
// keys, and a continuation token if more pages remain.
type ListResult struct {
	CommonPrefixes   []string
	Contents         []string
	NextContinuation *string
}

// Client is the contract every component above the object store depends
// on. Implementations must be safe for concurrent use.
type Client interface {
	GetBytes(ctx context.Context, bucket, key string) ([]byte, error)
	GetText(ctx context.Context, bucket, key string) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string, continuation *string) (ListResult, error)
	ListCommonPrefixesAfter(ctx context.Context, bucket, startAfter string) ([]string, error)
}

// S3Client is the production Client backed by AWS S3 (or an S3-compatible
// store).
type S3Client struct {
	api *s3.Client
}

// NewS3Client builds an S3Client from the ambient AWS SDK config chain
// (env vars, shared config file, IAM role), optionally pinned to a region.
func NewS3Client(ctx context.Context, region string) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", errs.ErrTransport, err)
	}

	return &S3Client{api: s3.NewFromConfig(cfg)}, nil
}

func (c *S3Client) GetBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s/%s", errs.ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("%w: get_object %s/%s: %v", errs.ErrTransport, bucket, key, err)
	}
	defer out.Body.Close()

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, fmt.Errorf("%w: read body %s/%s: %v", errs.ErrTransport, bucket, key, err)
	}

	return buf.Bytes(), nil
}

func (c *S3Client) GetText(ctx context.Context, bucket, key string) (string, error) {
	b, err := c.GetBytes(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %s/%s is not valid UTF-8", errs.ErrDecode, bucket, key)
	}
	return string(b), nil
}

func (c *S3Client) ListObjects(ctx context.Context, bucket, prefix string, continuation *string) (ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	if continuation != nil {
		input.ContinuationToken = continuation
	}

	out, err := c.api.ListObjectsV2(ctx, input)
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: list_objects %s/%s: %v", errs.ErrTransport, bucket, prefix, err)
	}

	result := ListResult{NextContinuation: out.NextContinuationToken}
	for _, cp := range out.CommonPrefixes {
		if cp.Prefix != nil {
			result.CommonPrefixes = append(result.CommonPrefixes, *cp.Prefix)
		}
	}
	for _, obj := range out.Contents {
		if obj.Key != nil {
			result.Contents = append(result.Contents, *obj.Key)
		}
	}

	return result, nil
}

func (c *S3Client) ListCommonPrefixesAfter(ctx context.Context, bucket, startAfter string) ([]string, error) {
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:     aws.String(bucket),
		Delimiter:  aws.String("/"),
		StartAfter: aws.String(startAfter),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list_common_prefixes_after %s/%s: %v", errs.ErrTransport, bucket, startAfter, err)
	}

	var prefixes []string
	for _, cp := range out.CommonPrefixes {
		if cp.Prefix != nil {
			prefixes = append(prefixes, *cp.Prefix)
		}
	}
	return prefixes, nil
}
