// Package media stores outbound media in an S3 compatible bucket and hands
// back the public URL attached to the message.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
)

// Config holds the bucket settings.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PublicURL     string
	RetentionDays int
	EnableACL     bool
}

// Object is one piece of outbound media.
type Object struct {
	WorkspaceID    string
	ConversationID string
	MessageID      string
	Data           []byte
	MimeType       string
	FileName       string
}

// Storage uploads media objects to a single bucket.
type Storage struct {
	client *s3.Client
	cfg    Config
	now    func() time.Time
}

func NewStorage(cfg Config) (*Storage, error) {
	const op = "media.NewStorage"

	if cfg.Bucket == "" {
		return nil, apperr.Validation(op, "bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, apperr.Validation(op, "S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// A bucket name in the endpoint host is a common misconfiguration.
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", cleaned).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
		cfg.Endpoint = cleaned
	}

	// Dotted bucket names break virtual-hosted TLS certificates.
	if strings.Contains(cfg.Bucket, ".") && !cfg.PathStyle {
		cfg.PathStyle = true
		log.Info().Str("bucket", cfg.Bucket).Msg("Bucket name contains dots, forcing path-style URLs")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", cfg.PathStyle).
		Msg("S3 media storage initialized")

	return &Storage{client: client, cfg: cfg, now: time.Now}, nil
}

// Key builds the object key for a media object:
// workspaces/<ws>/outbox/<conversation>/<yyyy>/<mm>/<dd>/<folder>/<message><ext>.
func (s *Storage) Key(obj Object) string {
	now := s.now().UTC()
	return fmt.Sprintf("workspaces/%s/outbox/%s/%s/%s/%s%s",
		obj.WorkspaceID,
		obj.ConversationID,
		now.Format("2006/01/02"),
		folderFor(obj.MimeType),
		obj.MessageID,
		extensionFor(obj.MimeType),
	)
}

func folderFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "documents"
	}
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"), strings.Contains(mimeType, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	default:
		return ".bin"
	}
}

// Upload puts data under key.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	const op = "media.Upload"

	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if s.cfg.EnableACL {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if s.cfg.RetentionDays > 0 {
		expires := s.now().Add(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		input.Expires = &expires
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Str("bucket", s.cfg.Bucket).
			Str("mimeType", mimeType).
			Int("size", len(data)).
			Msg("Failed to upload media to S3")
		return apperr.Infrastructure(op, err)
	}

	log.Info().
		Str("key", key).
		Str("bucket", s.cfg.Bucket).
		Str("mimeType", mimeType).
		Int("size", len(data)).
		Msg("Media uploaded to S3")
	return nil
}

// PublicURL returns the URL clients use to fetch key.
func (s *Storage) PublicURL(key string) string {
	if s.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.PublicURL, "/"), s.cfg.Bucket, key)
	}

	endpoint := s.cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if s.cfg.PathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.cfg.Region, s.cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	}
	if s.cfg.PathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), s.cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", s.cfg.Bucket, strings.TrimRight(host, "/"), key)
}

// Store uploads obj and returns its public URL.
func (s *Storage) Store(ctx context.Context, obj Object) (string, error) {
	key := s.Key(obj)
	if err := s.Upload(ctx, key, obj.Data, obj.MimeType); err != nil {
		return "", err
	}
	return s.PublicURL(key), nil
}
