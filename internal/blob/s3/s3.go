package s3

import (
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3pkg "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cirruslabs/cloudmirror/internal/blob"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MetadataPrefix namespaces the object metadata that the copy
// workers attach to mirrored blobs.
const MetadataPrefix = "cloud-mirror-"

const abortIncompleteUploadsAfterDays = 1

type S3 struct {
	client *s3pkg.Client
	bucket string
	region string

	endpoint        string
	acl             types.ObjectCannedACL
	partSize        uint64
	queueSize       int
	maxCopyDuration time.Duration
}

type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	ACL             string
	LifespanDays    int

	// PartSize and QueueSize bound the streaming multipart upload
	PartSize  uint64
	QueueSize int

	// MaxCopyDuration is the watchdog cutting off uploads that
	// exceed their wall-clock budget
	MaxCopyDuration time.Duration
}

func New(ctx context.Context, bucket string, region string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}

	return &S3{
		client:          s3pkg.NewFromConfig(cfg),
		bucket:          bucket,
		region:          region,
		acl:             types.ObjectCannedACLPublicRead,
		partSize:        8_000_000,
		queueSize:       4,
		maxCopyDuration: 2 * time.Hour,
	}, nil
}

func NewFromConfig(ctx context.Context, config *Config) (*S3, error) {
	var awsConfig aws.Config

	if config.AccessKeyID != "" {
		awsConfig = aws.Config{
			Region: config.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				config.AccessKeyID,
				config.AccessKeySecret,
				"",
			),
		}
	} else {
		var err error

		awsConfig, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
		if err != nil {
			return nil, err
		}
	}

	var optFns []func(*s3pkg.Options)

	if config.Endpoint != "" {
		s3EndpointURL, err := url.Parse(config.Endpoint)
		if err != nil {
			return nil, err
		}

		optFns = append(optFns, func(options *s3pkg.Options) {
			options.EndpointResolverV2 = &s3EndpointResolver{url: s3EndpointURL}
			options.UsePathStyle = true
		})
	}

	s3 := &S3{
		client:          s3pkg.NewFromConfig(awsConfig, optFns...),
		bucket:          config.Bucket,
		region:          config.Region,
		endpoint:        config.Endpoint,
		acl:             types.ObjectCannedACL(config.ACL),
		partSize:        config.PartSize,
		queueSize:       config.QueueSize,
		maxCopyDuration: config.MaxCopyDuration,
	}

	if s3.acl == "" {
		s3.acl = types.ObjectCannedACLPublicRead
	}

	if s3.partSize == 0 {
		s3.partSize = 8_000_000
	}

	if s3.queueSize == 0 {
		s3.queueSize = 4
	}

	if s3.maxCopyDuration == 0 {
		s3.maxCopyDuration = 2 * time.Hour
	}

	if err := s3.ensureBucket(ctx, config.LifespanDays); err != nil {
		return nil, err
	}

	return s3, nil
}

func (s3 *S3) ensureBucket(ctx context.Context, lifespanDays int) error {
	_, err := s3.client.CreateBucket(ctx, &s3pkg.CreateBucketInput{
		Bucket: aws.String(s3.bucket),
	})
	if err != nil && !bucketAlreadyOurs(err) {
		return fmt.Errorf("failed to create bucket %q: %w", s3.bucket, err)
	}

	if lifespanDays == 0 {
		lifespanDays = 1
	}

	// Objects expire on their own and the abort rule sweeps up parts
	// left behind by copies that were cut off mid-flight
	_, err = s3.client.PutBucketLifecycleConfiguration(ctx, &s3pkg.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s3.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{
				{
					ID:     aws.String("cloud-mirror-expiry"),
					Status: types.ExpirationStatusEnabled,
					Filter: &types.LifecycleRuleFilterMemberPrefix{Value: ""},
					Expiration: &types.LifecycleExpiration{
						Days: aws.Int32(int32(lifespanDays)),
					},
					AbortIncompleteMultipartUpload: &types.AbortIncompleteMultipartUpload{
						DaysAfterInitiation: aws.Int32(abortIncompleteUploadsAfterDays),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to configure the lifecycle of bucket %q: %w", s3.bucket, err)
	}

	return nil
}

func (s3 *S3) Delete(ctx context.Context, key string) error {
	_, err := s3.client.DeleteObject(ctx, &s3pkg.DeleteObjectInput{
		Bucket: aws.String(s3.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return convertErr(err)
	}

	return nil
}

func (s3 *S3) Head(ctx context.Context, key string) (http.Header, int, error) {
	result, err := s3.client.HeadObject(ctx, &s3pkg.HeadObjectInput{
		Bucket: aws.String(s3.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if convertedErr := convertErr(err); errors.Is(convertedErr, blob.ErrNotFound) {
			return nil, http.StatusNotFound, nil
		}

		return nil, 0, err
	}

	header := http.Header{}

	if result.ContentType != nil {
		header.Set("Content-Type", *result.ContentType)
	}

	if result.ContentLength != nil {
		header.Set("Content-Length", strconv.FormatInt(*result.ContentLength, 10))
	}

	if result.ETag != nil {
		header.Set("ETag", *result.ETag)
	}

	if result.Expiration != nil {
		header.Set("X-Amz-Expiration", *result.Expiration)
	}

	return header, http.StatusOK, nil
}

// ExpirationDate parses the x-amz-expiration response header, which
// looks as follows:
//
//	expiry-date="Fri, 21 Dec 2012 00:00:00 GMT", rule-id="..."
func (s3 *S3) ExpirationDate(headers http.Header) (time.Time, error) {
	return ParseExpiration(headers.Get("X-Amz-Expiration"))
}

func ParseExpiration(expiration string) (time.Time, error) {
	const marker = `expiry-date="`

	_, after, found := strings.Cut(expiration, marker)
	if !found {
		return time.Time{}, fmt.Errorf("no expiry-date in expiration value %q", expiration)
	}

	value, _, found := strings.Cut(after, `"`)
	if !found {
		return time.Time{}, fmt.Errorf("unterminated expiry-date in expiration value %q", expiration)
	}

	return time.Parse(http.TimeFormat, value)
}

func (s3 *S3) PublicURL(key string) string {
	// A custom endpoint means a non-AWS deployment (or a test rig),
	// which is reachable path-style only
	if s3.endpoint != "" {
		return strings.TrimSuffix(s3.endpoint, "/") + "/" + s3.bucket + "/" + key
	}

	publicURL := url.URL{
		Scheme: "https",
		Host:   fmt.Sprintf("%s.s3-%s.amazonaws.com", s3.bucket, s3.region),
		Path:   "/" + key,
	}

	return publicURL.String()
}

func convertErr(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey

	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return blob.ErrNotFound
	}

	return err
}

func bucketAlreadyOurs(err error) bool {
	var alreadyOwned *types.BucketAlreadyOwnedByYou
	var alreadyExists *types.BucketAlreadyExists

	return errors.As(err, &alreadyOwned) || errors.As(err, &alreadyExists)
}
