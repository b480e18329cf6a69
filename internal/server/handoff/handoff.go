// Package handoff moves a session's credentials between deployments through
// an S3 bucket. Objects are pairing tokens sealed with a shared passphrase.
package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/cryptox"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/netx"
	"github.com/dmitrijs2005/gophbot/internal/pairing"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/google/uuid"
)

const keyPrefix = "handoff/"

// DefaultPresignTTL bounds presigned URLs when no lifetime is given.
const DefaultPresignTTL = 15 * time.Minute

// ErrNoBucket is returned when handoff is used without a configured bucket.
var ErrNoBucket = errors.New("handoff bucket not configured")

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
	downloadPresigned = func(ctx context.Context, url string, limit int64) ([]byte, error) {
		return netx.DownloadPresignedURL(ctx, http.DefaultClient, url, limit)
	}
)

// Presigner is implemented by *s3.PresignClient.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// NewPresigner wraps an S3 client for presigned GET URLs.
func NewPresigner(c *s3.Client) Presigner {
	return s3.NewPresignClient(c)
}

// ObjectStore is the part of *s3.Client the handoff uses.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// AuthStore loads and saves auth state, implemented by services.AuthStore.
type AuthStore interface {
	Load(ctx context.Context, sessionID string) (*models.AuthState, models.Backend, error)
	Save(ctx context.Context, sessionID, phone string, state *models.AuthState) error
}

type S3Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client builds a client for a MinIO or AWS endpoint with static
// credentials.
func NewS3Client(ctx context.Context, c S3Config) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKey,
			c.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.UsePathStyle
	}), nil
}

type Service struct {
	objects    ObjectStore
	bucket     string
	passphrase []byte
	store      AuthStore
	logger     logging.Logger
}

func NewService(objects ObjectStore, bucket string, passphrase []byte, store AuthStore, logger logging.Logger) *Service {
	return &Service{
		objects:    objects,
		bucket:     bucket,
		passphrase: passphrase,
		store:      store,
		logger:     logger.With("module", "handoff"),
	}
}

// Export uploads the session's sealed credentials and returns the object key.
func (s *Service) Export(ctx context.Context, sessionID string) (string, error) {
	if s.bucket == "" {
		return "", ErrNoBucket
	}
	state, _, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", sessionID, err)
	}
	token, err := pairing.Encode(state)
	if err != nil {
		return "", err
	}
	sealed, err := cryptox.Seal([]byte(token), s.passphrase)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}

	key := keyPrefix + uuid.NewString()
	_, err = s.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(sealed),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	s.logger.Info(ctx, "session exported", "session", sessionID, "key", key)
	return key, nil
}

// Import restores the object under key as sessionID and deletes the object.
func (s *Service) Import(ctx context.Context, key, sessionID, phone string) error {
	if s.bucket == "" {
		return ErrNoBucket
	}
	if err := common.ValidateSessionID(sessionID); err != nil {
		return err
	}

	out, err := s.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	sealed, err := io.ReadAll(io.LimitReader(out.Body, pairing.MaxPayloadSize))
	_ = out.Body.Close()
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	if err := s.restore(ctx, sealed, sessionID, phone); err != nil {
		return err
	}

	_, err = s.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// the credentials are saved; a leftover object only needs cleanup
		s.logger.Warn(ctx, "handoff object not deleted", "key", key, "error", err)
	}
	s.logger.Info(ctx, "session imported", "session", sessionID)
	return nil
}

// Presign returns a GET URL for the object under key, valid for ttl.
func (s *Service) Presign(ctx context.Context, presigner Presigner, key string, ttl time.Duration) (string, error) {
	if s.bucket == "" {
		return "", ErrNoBucket
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return req.URL, nil
}

// ImportURL restores a sealed object fetched from a presigned URL. The
// object is left in place; it expires with the bucket's lifecycle rules.
func (s *Service) ImportURL(ctx context.Context, url, sessionID, phone string) error {
	if err := common.ValidateSessionID(sessionID); err != nil {
		return err
	}
	sealed, err := downloadPresigned(ctx, url, pairing.MaxPayloadSize)
	if err != nil {
		return err
	}
	if err := s.restore(ctx, sealed, sessionID, phone); err != nil {
		return err
	}
	s.logger.Info(ctx, "session imported from url", "session", sessionID)
	return nil
}

func (s *Service) restore(ctx context.Context, sealed []byte, sessionID, phone string) error {
	token, err := cryptox.Open(sealed, s.passphrase)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(token)

	state, err := pairing.Decode(string(token))
	if err != nil {
		return err
	}
	return s.store.Save(ctx, sessionID, phone, state)
}
