package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrBlobNotFound = errors.New("oauth blob not found")

// maxStateSize bounds a mirrored state document. Real ones are a few hundred
// bytes.
const maxStateSize = 64 << 10

// BlobStore mirrors provider state documents to object storage.
type BlobStore interface {
	Load(ctx context.Context, provider string) ([]byte, error)
	Save(ctx context.Context, provider string, data []byte) error
}

// Mirror keeps one JSON object per provider under prefix in an S3 bucket.
type Mirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewBlobStore returns the configured mirror, or nil when no blob endpoint
// is set.
func NewBlobStore(cfg config.OAuthConfig) (BlobStore, error) {
	if !cfg.BlobEnabled() {
		return nil, nil
	}
	return NewMirror(cfg)
}

type mirrorTarget struct {
	host   string
	secure bool
	bucket string
	prefix string
	region string
}

func resolveTarget(cfg config.OAuthConfig) (mirrorTarget, error) {
	target := mirrorTarget{
		bucket: strings.TrimSpace(cfg.BlobBucket),
		prefix: strings.Trim(strings.TrimSpace(cfg.BlobPrefix), "/"),
		region: strings.TrimSpace(cfg.BlobRegion),
	}
	endpoint := strings.TrimSpace(cfg.BlobEndpoint)
	switch {
	case endpoint == "":
		return target, errors.New("oauth.blob_endpoint is required for the state mirror")
	case target.bucket == "":
		return target, errors.New("oauth.blob_bucket is required for the state mirror")
	case strings.TrimSpace(cfg.BlobAccessKeyFile) == "" || strings.TrimSpace(cfg.BlobSecretKeyFile) == "":
		return target, errors.New("oauth blob key files are required for the state mirror")
	}
	if target.prefix == "" {
		target.prefix = config.DefaultOAuthPrefix
	}
	var err error
	target.host, target.secure, err = parseEndpoint(endpoint)
	return target, err
}

func NewMirror(cfg config.OAuthConfig) (*Mirror, error) {
	target, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}
	accessKey, err := config.ReadSecretFile(strings.TrimSpace(cfg.BlobAccessKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read blob access key: %w", err)
	}
	secretKey, err := config.ReadSecretFile(strings.TrimSpace(cfg.BlobSecretKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read blob secret key: %w", err)
	}

	client, err := minio.New(target.host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: target.secure,
		Region: target.region,
	})
	if err != nil {
		return nil, fmt.Errorf("state mirror client: %w", err)
	}
	return &Mirror{client: client, bucket: target.bucket, prefix: target.prefix}, nil
}

// Load returns the mirrored document for provider, or ErrBlobNotFound.
func (m *Mirror) Load(ctx context.Context, provider string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.object(provider), minio.GetObjectOptions{})
	if err != nil {
		return nil, m.classify(provider, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxStateSize+1))
	if err != nil {
		return nil, m.classify(provider, err)
	}
	if len(data) > maxStateSize {
		return nil, fmt.Errorf("mirrored %s state exceeds %d bytes", provider, maxStateSize)
	}
	return data, nil
}

// Save uploads data, which must be a JSON document.
func (m *Mirror) Save(ctx context.Context, provider string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("refusing to mirror %s state: not JSON", provider)
	}
	_, err := m.client.PutObject(ctx, m.bucket, m.object(provider), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"provider": provider},
		})
	if err != nil {
		return m.classify(provider, err)
	}
	return nil
}

func (m *Mirror) object(provider string) string {
	return path.Join(m.prefix, provider+".json")
}

func (m *Mirror) classify(provider string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return ErrBlobNotFound
	case "NoSuchBucket":
		return fmt.Errorf("state mirror bucket %q does not exist: %w", m.bucket, err)
	}
	return fmt.Errorf("state mirror %s: %w", provider, err)
}

// parseEndpoint accepts a bare host, which implies TLS, or an http(s) URL.
func parseEndpoint(raw string) (host string, secure bool, err error) {
	if !strings.Contains(raw, "://") {
		return raw, true, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse blob endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false, fmt.Errorf("blob endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("blob endpoint %q has no host", raw)
	}
	return u.Host, u.Scheme == "https", nil
}
