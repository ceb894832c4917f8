package avatars

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/config"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadStoresPNGThumbnail(t *testing.T) {
	fake := &fakeS3{}
	s := NewStore(fake, config.S3Config{Bucket: "avatars", Region: "us-east-1"}, zerolog.Nop())
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	key, err := s.Upload(context.Background(), 42, pngBytes(t, 640, 320))
	require.NoError(t, err)
	assert.Equal(t, "avatars/42/1700000000000.png", key)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "avatars", aws.ToString(in.Bucket))
	assert.Equal(t, key, aws.ToString(in.Key))
	assert.Equal(t, "image/png", aws.ToString(in.ContentType))

	thumb, err := png.Decode(bytes.NewReader(fake.bodies[0]))
	require.NoError(t, err)
	assert.Equal(t, ThumbnailSize, thumb.Bounds().Dx())
	assert.Equal(t, ThumbnailSize/2, thumb.Bounds().Dy(), "aspect ratio is kept")
}

func TestUploadRejectsNonImages(t *testing.T) {
	s := NewStore(&fakeS3{}, config.S3Config{Bucket: "avatars"}, zerolog.Nop())
	_, err := s.Upload(context.Background(), 42, []byte("not an image"))
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = s.Upload(context.Background(), 42, make([]byte, MaxUploadBytes+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestUploadReportsS3Errors(t *testing.T) {
	s := NewStore(&fakeS3{err: errors.New("access denied")}, config.S3Config{Bucket: "avatars"}, zerolog.Nop())
	_, err := s.Upload(context.Background(), 42, pngBytes(t, 10, 10))
	assert.ErrorContains(t, err, "access denied")
}

func TestDecodeDataURL(t *testing.T) {
	raw := pngBytes(t, 4, 4)
	data, contentType, err := DecodeDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, raw, data)

	_, _, err = DecodeDataURL("data:text/plain;base64,aGVsbG8=")
	assert.ErrorIs(t, err, ErrNotImage)

	_, _, err = DecodeDataURL("https://example.com/me.png")
	assert.Error(t, err)
}

func TestURL(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.S3Config
		want string
	}{
		{"aws virtual hosted", config.S3Config{Bucket: "avatars", Region: "eu-west-1"}, "https://avatars.s3.eu-west-1.amazonaws.com/k.png"},
		{"aws path style", config.S3Config{Bucket: "avatars", Region: "eu-west-1", PathStyle: true}, "https://s3.eu-west-1.amazonaws.com/avatars/k.png"},
		{"dotted bucket forces path style", config.S3Config{Bucket: "cdn.example", Region: "eu-west-1"}, "https://s3.eu-west-1.amazonaws.com/cdn.example/k.png"},
		{"custom endpoint path style", config.S3Config{Bucket: "avatars", Endpoint: "http://minio:9000/", PathStyle: true}, "http://minio:9000/avatars/k.png"},
		{"custom endpoint virtual hosted", config.S3Config{Bucket: "avatars", Endpoint: "https://storage.example.com"}, "https://avatars.storage.example.com/k.png"},
		{"public url", config.S3Config{Bucket: "avatars", PublicURL: "https://cdn.example.com/"}, "https://cdn.example.com/avatars/k.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore(&fakeS3{}, tc.cfg, zerolog.Nop())
			assert.Equal(t, tc.want, s.URL("k.png"))
		})
	}

	s := NewStore(&fakeS3{}, config.S3Config{Bucket: "avatars"}, zerolog.Nop())
	assert.Equal(t, "", s.URL(""))
	assert.Equal(t, "https://gravatar.example/x", s.URL("https://gravatar.example/x"))
}

func TestNewS3StoreValidation(t *testing.T) {
	_, err := NewS3Store(config.S3Config{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewS3Store(config.S3Config{Enabled: true, Bucket: "avatars"}, zerolog.Nop())
	assert.Error(t, err)

	s, err := NewS3Store(config.S3Config{Enabled: true, Bucket: "avatars", Region: "us-east-1", AccessKey: "a", SecretKey: "b",
		Endpoint: "https://avatars.minio.local"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "https://avatars.minio.local/k.png", s.URL("k.png"), "bucket prefix is stripped from the endpoint")
}
