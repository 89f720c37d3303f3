package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// uploader is the part of *transfermanager.Client used for streamed objects.
type uploader interface {
	UploadObject(ctx context.Context, in *transfermanager.UploadObjectInput, optFns ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

// S3 stores each flushed batch as one object under an optional prefix.
type S3 struct {
	client   s3API
	uploader uploader

	bucket    string
	bucketPtr *string
	prefix    string

	bufs sync.Pool
}

func NewS3(client s3API, bucket, prefix string) *S3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	s := &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	s.bucketPtr = &s.bucket
	s.bufs.New = func() any { return new(bytes.Buffer) }
	return s
}

// WithUploader makes WriteStream pipe the rendered object into u instead of
// buffering it for a single PutObject. Write keeps using PutObject.
func (s *S3) WithUploader(u uploader) *S3 {
	s.uploader = u
	return s
}

// objectKey joins prefix and key without cleaning the path, so keys keep
// S3 semantics.
func (s *S3) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *S3) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	return s.put(ctx, s.objectKey(req.Key), req.Data, req.ContentType)
}

// WriteStream streams the object through the uploader when one is set.
// Otherwise it renders into a pooled buffer first, since PutObject needs the
// content length up front.
func (s *S3) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	if req.Writer == nil {
		return fmt.Errorf("nil writer for key=%q", req.Key)
	}
	if s.uploader != nil {
		return s.upload(ctx, s.objectKey(req.Key), req)
	}

	buf := s.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer s.bufs.Put(buf)

	if err := req.Writer.WriteTo(buf); err != nil {
		return fmt.Errorf("render s3 object key=%q: %w", req.Key, err)
	}
	return s.put(ctx, s.objectKey(req.Key), buf.Bytes(), req.ContentType)
}

var errUploadDone = errors.New("upload finished")

// upload feeds the writer into the uploader through a pipe. A render error
// aborts the upload and is returned in preference to the upload error it
// causes.
func (s *S3) upload(ctx context.Context, key string, req StreamWriteRequest) error {
	pr, pw := io.Pipe()

	renderErr := make(chan error, 1)
	go func() {
		err := req.Writer.WriteTo(pw)
		pw.CloseWithError(err)
		renderErr <- err
	}()

	input := transfermanager.UploadObjectInput{
		Bucket: s.bucketPtr,
		Key:    &key,
		Body:   pr,
	}
	if req.ContentType != "" {
		input.ContentType = &req.ContentType
	}

	_, upErr := s.uploader.UploadObject(ctx, &input)
	// Unblock the writer if the uploader stopped reading early.
	pr.CloseWithError(errUploadDone)

	err := <-renderErr
	switch {
	case err != nil && !errors.Is(err, errUploadDone):
		return fmt.Errorf("render s3 object key=%q: %w", req.Key, err)
	case upErr != nil:
		return fmt.Errorf("upload s3 object key=%q: %w", key, upErr)
	case err != nil:
		return fmt.Errorf("upload s3 object key=%q: body not fully read", key)
	}
	return nil
}

func (s *S3) put(ctx context.Context, key string, data []byte, contentType string) error {
	cl := int64(len(data))

	var body bytes.Reader
	body.Reset(data)

	input := s3.PutObjectInput{
		Bucket:        s.bucketPtr,
		Key:           &key,
		Body:          &body,
		ContentLength: &cl,
	}
	if contentType != "" {
		input.ContentType = &contentType
	}

	if _, err := s.client.PutObject(ctx, &input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}

var (
	_ Sinkr       = (*S3)(nil)
	_ StreamSinkr = (*S3)(nil)
)
