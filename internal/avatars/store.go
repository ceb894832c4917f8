// Package avatars stores profile pictures shown in the agent roster.
package avatars

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // decoders for uploaded images
	_ "image/jpeg"
	"image/png"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
	"github.com/vincent-petithory/dataurl"

	"supportchat/config"
)

// ThumbnailSize bounds both sides of a stored avatar.
const ThumbnailSize = 128

// MaxUploadBytes bounds the decoded upload.
const MaxUploadBytes = 5 << 20

var (
	// ErrNotImage is returned for uploads that are not a decodable image.
	ErrNotImage = errors.New("upload is not an image")
	// ErrTooLarge is returned for uploads over MaxUploadBytes.
	ErrTooLarge = errors.New("upload is too large")
)

// ObjectPutter is the part of the S3 client the store needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store resizes avatars and uploads them to an S3 bucket.
type Store struct {
	client    ObjectPutter
	cfg       config.S3Config
	pathStyle bool
	now       func() time.Time
	log       zerolog.Logger
}

// NewS3Store builds an S3 client from cfg using static credentials.
func NewS3Store(cfg config.S3Config, log zerolog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, errors.New("S3 storage is disabled")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET cannot be empty")
	}

	// Endpoints sometimes carry the bucket host prefix by mistake.
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("originalEndpoint", cfg.Endpoint).Str("cleanedEndpoint", cleaned).Msg("Cleaned bucket name from S3 endpoint")
		cfg.Endpoint = cleaned
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	s := newStore(nil, cfg, log)
	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = s.pathStyle
	})

	s.log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", s.pathStyle).
		Msg("S3 avatar store initialized")
	return s, nil
}

// NewStore uses an existing client.
func NewStore(client ObjectPutter, cfg config.S3Config, log zerolog.Logger) *Store {
	return newStore(client, cfg, log)
}

func newStore(client ObjectPutter, cfg config.S3Config, log zerolog.Logger) *Store {
	// Dotted bucket names break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
	return &Store{
		client:    client,
		cfg:       cfg,
		pathStyle: pathStyle,
		now:       time.Now,
		log:       log.With().Str("component", "avatars").Logger(),
	}
}

// DecodeDataURL extracts the bytes of a data: URL such as "data:image/png;base64,...".
func DecodeDataURL(raw string) ([]byte, string, error) {
	u, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid data URL: %w", err)
	}
	contentType := u.MediaType.ContentType()
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}
	return u.Data, contentType, nil
}

// Upload shrinks the image to a PNG thumbnail and stores it. It returns the
// object key to keep as the user's avatar reference.
func (s *Store) Upload(ctx context.Context, userID int64, data []byte) (string, error) {
	if len(data) > MaxUploadBytes {
		return "", ErrTooLarge
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	thumb := resize.Thumbnail(ThumbnailSize, ThumbnailSize, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("failed to encode avatar: %w", err)
	}

	key := fmt.Sprintf("avatars/%d/%d.png", userID, s.now().UnixMilli())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.cfg.Bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(buf.Bytes()),
		ContentType:        aws.String("image/png"),
		CacheControl:       aws.String("public, max-age=3600"),
		ContentDisposition: aws.String("inline"),
	})
	if err != nil {
		s.log.Error().Err(err).Int64("userID", userID).Str("key", key).Str("bucket", s.cfg.Bucket).Msg("Failed to upload avatar to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	bounds := thumb.Bounds()
	s.log.Info().
		Int64("userID", userID).
		Str("key", key).
		Str("sourceFormat", format).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("size", buf.Len()).
		Msg("Avatar uploaded to S3")
	return key, nil
}

// URL returns the public link of an object key. Values that already are
// absolute URLs are returned unchanged.
func (s *Store) URL(key string) string {
	if key == "" || strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key
	}
	bucket := s.cfg.Bucket

	if s.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.PublicURL, "/"), bucket, key)
	}

	endpoint := s.cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if s.pathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.cfg.Region, bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key)
	}

	if s.pathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", bucket, strings.TrimRight(host, "/"), key)
}
