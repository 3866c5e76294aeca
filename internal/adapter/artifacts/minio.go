// Package artifacts turns stored resume references into links a browser
// inside the sandbox can fetch.
package artifacts

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/xiaot623/applyrun/internal/config"
)

// Linker presigns object references. A nil *Linker passes every reference
// through unchanged.
type Linker struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewLinker creates a linker for the configured store, or returns nil when
// no store is configured.
func NewLinker(cfg config.ArtifactsConfig) (*Linker, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Linker{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// Resolve returns a fetchable URL for ref. http(s) URLs and absolute paths
// pass through; s3://bucket/key and bare keys are presigned.
func (l *Linker) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "/") {
		return ref, nil
	}
	if l == nil || l.client == nil {
		return ref, nil
	}

	bucket, key := l.bucket, ref
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		var found bool
		bucket, key, found = strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", fmt.Errorf("invalid object reference %q", ref)
		}
	}

	u, err := l.client.PresignedGetObject(ctx, bucket, key, l.ttl, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
