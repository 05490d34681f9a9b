package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	s3pkg "github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
	"io"
	"net/http"
	"sync/atomic"
)

func (s3 *S3) Put(
	ctx context.Context,
	key string,
	body io.Reader,
	headers http.Header,
	metadata map[string]string,
) (int64, error) {
	if headers.Get("Content-Type") == "" {
		return 0, fmt.Errorf("refusing to store %q without a Content-Type", key)
	}

	// Watchdog: no single copy may exceed its wall-clock budget,
	// parts abandoned by the abort are swept up by the lifecycle rule
	boundedCtx, cancel := context.WithTimeout(ctx, s3.maxCopyDuration)
	defer cancel()

	multipartUpload, err := s3.createUpload(boundedCtx, key, headers, metadata)
	if err != nil {
		return 0, err
	}

	written, err := s3.uploadParts(boundedCtx, multipartUpload, body)
	if err != nil {
		//nolint:contextcheck // the bounded context may already be expired, abort regardless
		_ = multipartUpload.Rollback(context.WithoutCancel(ctx))

		return written, err
	}

	if err := multipartUpload.Commit(boundedCtx); err != nil {
		//nolint:contextcheck // the bounded context may already be expired, abort regardless
		_ = multipartUpload.Rollback(context.WithoutCancel(ctx))

		return written, err
	}

	return written, nil
}

func (s3 *S3) createUpload(
	ctx context.Context,
	key string,
	headers http.Header,
	metadata map[string]string,
) (*MultipartUpload, error) {
	// Cache-Control and Expires are deliberately not forwarded:
	// the bucket lifecycle governs the object's lifetime
	input := &s3pkg.CreateMultipartUploadInput{
		Bucket:      aws.String(s3.bucket),
		Key:         aws.String(key),
		ACL:         s3.acl,
		ContentType: aws.String(headers.Get("Content-Type")),
	}

	if contentDisposition := headers.Get("Content-Disposition"); contentDisposition != "" {
		input.ContentDisposition = aws.String(contentDisposition)
	}

	if contentEncoding := headers.Get("Content-Encoding"); contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}

	if len(metadata) != 0 {
		namespaced := make(map[string]string, len(metadata))

		for key, value := range metadata {
			namespaced[MetadataPrefix+key] = value
		}

		input.Metadata = namespaced
	}

	result, err := s3.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, err
	}

	return &MultipartUpload{
		client:   s3.client,
		bucket:   s3.bucket,
		key:      key,
		uploadID: *result.UploadId,
	}, nil
}

// uploadParts pumps body into the multipart upload in partSize chunks,
// keeping at most queueSize part uploads in flight.
func (s3 *S3) uploadParts(
	ctx context.Context,
	multipartUpload *MultipartUpload,
	body io.Reader,
) (int64, error) {
	var written atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s3.queueSize)

	partNumber := int32(1)

	for {
		buf := make([]byte, s3.partSize)

		n, err := io.ReadFull(body, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			_ = group.Wait()

			return written.Load(), err
		}

		// S3 rejects a CompleteMultipartUpload with zero parts,
		// so an empty body still yields a single empty part
		if n == 0 && partNumber != 1 {
			break
		}

		number := partNumber

		group.Go(func() error {
			if err := multipartUpload.UploadPart(groupCtx, number, bytes.NewReader(buf[:n])); err != nil {
				return err
			}

			written.Add(int64(n))

			return nil
		})

		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			break
		}

		partNumber++
	}

	if err := group.Wait(); err != nil {
		return written.Load(), err
	}

	return written.Load(), nil
}
