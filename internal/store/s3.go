package store

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/audioscribe/audioscribe/internal/errors"
)

// S3Blob implements Blob and Presigner against an S3-compatible endpoint.
type S3Blob struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Blob builds an S3 client from the default AWS config chain. A
// non-empty endpoint overrides the service URL for S3-compatible stores.
func NewS3Blob(ctx context.Context, region, endpoint string) (*S3Blob, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryObjectIO).
			Context("operation", "load_aws_config").
			Build()
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Blob{
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// Put uploads data to bucket/key.
func (s *S3Blob) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return errors.New(err).
			Component("store").
			Category(errors.CategoryObjectIO).
			Context("operation", "put_object").
			Context("key", key).
			Build()
	}
	return nil
}

// Get returns a streaming reader over the object body.
func (s *S3Blob) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryObjectIO).
			Context("operation", "get_object").
			Context("key", key).
			Build()
	}
	return out.Body, nil
}

// Delete removes the object.
func (s *S3Blob) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.New(err).
			Component("store").
			Category(errors.CategoryObjectIO).
			Context("operation", "delete_object").
			Context("key", key).
			Build()
	}
	return nil
}

// Head returns object metadata without fetching the body.
func (s *S3Blob) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryObjectIO).
			Context("operation", "head_object").
			Context("key", key).
			Build()
	}
	return &ObjectInfo{Size: aws.ToInt64(out.ContentLength)}, nil
}

// PresignPut mints a presigned PUT URL for direct client uploads.
func (s *S3Blob) PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errors.New(err).
			Component("store").
			Category(errors.CategoryObjectIO).
			Context("operation", "presign_put").
			Context("key", key).
			Build()
	}
	return req.URL, nil
}
