// Package documents moves staged candidate documents into durable storage
// when an assignment is approved into interview.
package documents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/splits-network/splits-sub027/assignment"
)

const stagingPrefix = "staging/"

// S3API is the subset of the S3 client the stager uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client loads the default AWS configuration, optionally pointed at a
// custom endpoint such as MinIO or LocalStack.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("documents: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// S3Stager commits documents uploaded under staging/{ref} by copying them to
// assignments/{assignmentID}/{batch}/{ref}. The staged object is left in place.
type S3Stager struct {
	client S3API
	bucket string
}

func NewS3Stager(client S3API, bucket string) *S3Stager {
	return &S3Stager{client: client, bucket: bucket}
}

// Commit verifies every staged document exists before copying any of them.
// A copy failure removes the copies already made.
func (s *S3Stager) Commit(ctx context.Context, assignmentID, batch string, refs []string) error {
	if err := checkRef(batch); err != nil {
		return err
	}
	for _, ref := range refs {
		if err := checkRef(ref); err != nil {
			return err
		}
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(stagingPrefix + ref),
		})
		if err != nil {
			if isMissing(err) {
				return fmt.Errorf("%w: document %s was never staged", assignment.ErrValidation, ref)
			}
			return fmt.Errorf("documents: head %s: %w", ref, err)
		}
	}

	copied := make([]string, 0, len(refs))
	for _, ref := range refs {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(committedKey(assignmentID, batch, ref)),
			CopySource: aws.String(copySource(s.bucket, stagingPrefix+ref)),
		})
		if err != nil {
			if relErr := s.Release(ctx, assignmentID, batch, copied); relErr != nil {
				return errors.Join(fmt.Errorf("documents: copy %s: %w", ref, err), relErr)
			}
			if isMissing(err) {
				return fmt.Errorf("%w: document %s disappeared from staging", assignment.ErrValidation, ref)
			}
			return fmt.Errorf("documents: copy %s: %w", ref, err)
		}
		copied = append(copied, ref)
	}
	return nil
}

// Release deletes committed copies. Missing objects are not an error.
func (s *S3Stager) Release(ctx context.Context, assignmentID, batch string, refs []string) error {
	var errs []error
	for _, ref := range refs {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(committedKey(assignmentID, batch, ref)),
		})
		if err != nil && !isMissing(err) {
			errs = append(errs, fmt.Errorf("documents: delete %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

func committedKey(assignmentID, batch, ref string) string {
	return "assignments/" + assignmentID + "/" + batch + "/" + ref
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func checkRef(ref string) error {
	if ref == "" || strings.Contains(ref, "/") || ref == "." || ref == ".." {
		return fmt.Errorf("%w: invalid document reference %q", assignment.ErrValidation, ref)
	}
	return nil
}

func isMissing(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
