package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// S3Credentials are the AWS credentials, read from the environment
type S3Credentials struct {
	AccessID  string `env:"AWS_ACCESS_ID,optional" description:"AWS access key id for S3 and SQS"`
	AccessKey string `env:"AWS_ACCESS_KEY,optional" description:"AWS secret access key for S3 and SQS"`
}

// S3Configuration configures the S3 driver
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	// KeyPrefix is prepended to all keys, it allows several installations to share a bucket
	KeyPrefix string
	// SQSNotificationQueue is the name of the queue receiving the bucket's upload notifications
	SQSNotificationQueue string
}

// S3 is the implementation of the Driver for AWS S3
type S3 struct {
	config      aws.Config
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	baseKeyName string
	queue       string

	// conditional uploads are serialized per process, S3 offers no compare-and-swap
	mutex      sync.Mutex
	listenOnce sync.Once
	cancel     context.CancelFunc
	callback   func(FileUpdatedEvent) error
}

// AWSConfig loads the AWS configuration for static credentials. Empty credentials
// fall back to the default credential chain.
func AWSConfig(ctx context.Context, region, accessID, accessKey string) (aws.Config, error) {
	options := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessID != "" {
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessID, accessKey, "")))
	}
	return config.LoadDefaultConfig(ctx, options...)
}

// NewS3 returns a new S3
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}
	cfg, err := AWSConfig(context.TODO(), s3Config.AWSRegion, s3Config.AccessID, s3Config.AccessKey)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("blob store S3 enabled")
	client := s3.NewFromConfig(cfg)
	return &S3{
		config:      cfg,
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      s3Config.AWSBucketName,
		baseKeyName: s3Config.KeyPrefix,
		queue:       s3Config.SQSNotificationQueue,
	}, nil
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

// UploadData implements Driver
func (s *S3) UploadData(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file, %v", err)
	}
	return s.etag(ctx, key)
}

func (s *S3) etag(ctx context.Context, key string) (string, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if isNotFound(err) {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return strings.Trim(aws.ToString(head.ETag), `"`), nil
}

// UploadDataIfMatch implements Driver
func (s *S3) UploadDataIfMatch(ctx context.Context, key string, data []byte, etag string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	current, err := s.etag(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if current != etag {
		return "", fmt.Errorf("%s: %w", key, ErrPreconditionFailed)
	}
	return s.UploadData(ctx, key, data)
}

// Download implements Driver
func (s *S3) Download(ctx context.Context, key string) (Blob, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if isNotFound(err) {
		return Blob{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Blob{}, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, ETag: strings.Trim(aws.ToString(out.ETag), `"`)}, nil
}

// Delete implements Driver
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Could not delete ", s.baseKeyName+key)
		return err
	}
	logger.FromContext(ctx).Infoln("Deleted ", s.baseKeyName+key)
	return nil
}

// DeleteAllWithPrefix implements Driver
func (s *S3) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListAllWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ListAllWithPrefix implements Driver. The returned keys are without the key prefix.
func (s *S3) ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	var continuationToken *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.baseKeyName + prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("Could not ListObjectsV2 from ", s.bucket)
			return nil, err
		}
		for _, item := range resp.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(item.Key), s.baseKeyName))
		}
		continuationToken = resp.NextContinuationToken
		if continuationToken == nil {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// GetPreSignedURL implements Driver
func (s *S3) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	client := s3.NewPresignClient(s.client)
	var (
		resp *v4.PresignedHTTPRequest
		err  error
	)
	switch method {
	case Get:
		resp, err = client.PresignGetObject(context.TODO(), &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	case Put:
		resp, err = client.PresignPutObject(context.TODO(), &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	default:
		err = fmt.Errorf("%s unsupported method to presign '%s'", method, s.baseKeyName+key)
	}
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// WithCallBack implements Driver. Upload notifications are received from the configured
// SQS queue; without a queue the callback is never called.
func (s *S3) WithCallBack(callback func(FileUpdatedEvent) error) {
	s.mutex.Lock()
	s.callback = callback
	s.mutex.Unlock()
	if s.queue == "" {
		logger.Default().Warnln("S3 callback registered without SQSNotificationQueue")
		return
	}
	s.listenOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.listen(ctx)
	})
}

// Close stops listening for upload notifications
func (s *S3) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *S3) notify(event FileUpdatedEvent) error {
	s.mutex.Lock()
	callback := s.callback
	s.mutex.Unlock()
	if callback == nil || !strings.HasPrefix(event.Key, s.baseKeyName) {
		return nil
	}
	event.Key = strings.TrimPrefix(event.Key, s.baseKeyName)
	return callback(event)
}
