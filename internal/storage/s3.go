// Package storage issues presigned upload URLs for trace media
// (image, audio and video traces point at objects in the bucket).
package storage

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"atrium-realtime/internal/config"
)

// allowed media content types per trace type
var allowedContentTypes = map[string][]string{
	"image": {"image/png", "image/jpeg", "image/gif", "image/webp", "image/svg+xml"},
	"audio": {"audio/mpeg", "audio/ogg", "audio/wav", "audio/webm", "audio/mp4"},
	"video": {"video/mp4", "video/webm", "video/quicktime"},
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PresignedUpload 업로드용 presigned URL 정보
type PresignedUpload struct {
	URL       string    `json:"upload_url"`
	Key       string    `json:"key"`
	PublicURL string    `json:"public_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// S3Service S3 presign 서비스
type S3Service struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       config.S3Config
	now       func() time.Time
}

// NewS3Service S3 클라이언트 생성. Static credentials are used when
// configured, otherwise the default AWS credential chain.
func NewS3Service(ctx context.Context, cfg config.S3Config) (*S3Service, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("s3: bucket is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Service{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// ObjectKey builds the bucket key for a media file of a lobby.
func ObjectKey(lobbyID, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = unsafeFileChars.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == "/" {
		base = "file"
	}
	return fmt.Sprintf("lobbies/%s/traces/%s-%s", lobbyID, uuid.NewString(), base)
}

// AllowedContentType reports whether contentType may be uploaded for a
// trace of traceType.
func AllowedContentType(traceType, contentType string) bool {
	for _, ct := range allowedContentTypes[traceType] {
		if strings.EqualFold(ct, contentType) {
			return true
		}
	}
	return false
}

// GenerateUploadURL 트레이스 미디어 업로드용 presigned PUT URL 생성
func (s *S3Service) GenerateUploadURL(ctx context.Context, lobbyID, fileName, contentType string) (*PresignedUpload, error) {
	key := ObjectKey(lobbyID, fileName)

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.BucketName),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.cfg.PresignExpiry))
	if err != nil {
		return nil, fmt.Errorf("s3: presign put %s: %w", key, err)
	}

	return &PresignedUpload{
		URL:       req.URL,
		Key:       key,
		PublicURL: s.PublicURL(key),
		ExpiresAt: s.now().Add(s.cfg.PresignExpiry),
	}, nil
}

// PublicURL 객체의 공개 URL
func (s *S3Service) PublicURL(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.BucketName, s.cfg.Region, key)
}

// DeleteObject 객체 삭제 (미디어 트레이스 삭제 시)
func (s *S3Service) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

// KeyFromURL returns the object key of a URL produced by PublicURL, or
// "" when the URL does not point into this bucket.
func (s *S3Service) KeyFromURL(url string) string {
	prefix := s.PublicURL("")
	if !strings.HasPrefix(url, prefix) {
		return ""
	}
	return strings.TrimPrefix(url, prefix)
}
