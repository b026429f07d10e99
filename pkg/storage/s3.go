package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	// FolderStatements is the S3 prefix for exported ledger statements.
	FolderStatements = "statements"
	// FolderReceipts is the S3 prefix for bank-transfer receipts uploaded by payers.
	FolderReceipts = "receipts"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	StatementsBucket     string
	ReceiptsBucket       string
	PresignExpireMinutes int
}

// S3 provides S3 uploads and pre-signed URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("statements_bucket", cfg.StatementsBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client)
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// StatementKey returns the S3 object key: statements/{from}_{to}/{export_id}.csv.
func StatementKey(from, to time.Time, exportID string) string {
	return path.Join(FolderStatements, from.Format("2006-01-02")+"_"+to.Format("2006-01-02"), exportID+".csv")
}

// ReceiptKey returns the S3 object key: receipts/{payment_id}/{reference}.
func ReceiptKey(paymentID, reference string) string {
	return path.Join(FolderReceipts, paymentID, path.Base(reference))
}

// GeneratePresignedUploadURL returns a pre-signed PUT URL for direct upload.
func (s *S3) GeneratePresignedUploadURL(ctx context.Context, bucket, key, contentType string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}
	return req.URL, nil
}

// GeneratePresignedDownloadURL returns a pre-signed GET URL for download.
func (s *S3) GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// StatementsBucket returns the statements bucket name.
func (s *S3) StatementsBucket() string { return s.cfg.StatementsBucket }

// ReceiptsBucket returns the receipts bucket name.
func (s *S3) ReceiptsBucket() string { return s.cfg.ReceiptsBucket }

// Upload streams a reader to S3 and returns the object key.
func (s *S3) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	s.logger.Debug("object uploaded", zap.String("bucket", bucket), zap.String("key", key))
	return nil
}

// StatementStore adapts S3 to the ledger's statement export port.
type StatementStore struct{ S3 *S3 }

// Put uploads a statement and returns a time-limited download URL.
func (s StatementStore) Put(ctx context.Context, key string, body io.Reader) (string, error) {
	if err := s.S3.Upload(ctx, s.S3.StatementsBucket(), key, "text/csv", body); err != nil {
		return "", err
	}
	return s.S3.GeneratePresignedDownloadURL(ctx, s.S3.StatementsBucket(), key, s.S3.PresignExpire())
}

// ReceiptUploads adapts S3 to the bank-transfer adapter's receipt port.
type ReceiptUploads struct{ S3 *S3 }

// UploadURL returns a pre-signed PUT URL the payer uses to upload a transfer receipt.
func (r ReceiptUploads) UploadURL(ctx context.Context, paymentRef string) (string, error) {
	key := ReceiptKey(paymentRef, "receipt")
	return r.S3.GeneratePresignedUploadURL(ctx, r.S3.ReceiptsBucket(), key, "application/octet-stream", r.S3.PresignExpire())
}
