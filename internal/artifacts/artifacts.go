// Package artifacts archives finished pipeline runs to S3-compatible object storage.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fixline/internal/domain"
	"fixline/internal/events"
)

// Archiver stores the outcome of one job.
type Archiver interface {
	Archive(ctx context.Context, jobID string, result domain.PipelineResult) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Archive(context.Context, string, domain.PipelineResult) error { return nil }

type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("artifacts endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifacts bucket is required")
	}
	return nil
}

// MinIO uploads runs/<job>/result.json and runs/<job>/audit.log.
type MinIO struct {
	client *minio.Client
	cfg    Config
}

func NewMinIO(cfg Config) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "runs"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIO{client: client, cfg: cfg}, nil
}

// New returns Nop when no endpoint is configured.
func New(cfg Config) (Archiver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Nop{}, nil
	}
	return NewMinIO(cfg)
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region})
}

// ObjectKey returns the key a run artifact is stored under.
func (m *MinIO) ObjectKey(jobID, name string) string {
	return path.Join(m.cfg.Prefix, jobID, name)
}

func (m *MinIO) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) Archive(ctx context.Context, jobID string, result domain.PipelineResult) error {
	if err := m.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure artifacts bucket: %w", err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := m.put(ctx, m.ObjectKey(jobID, "result.json"), "application/json", data); err != nil {
		return err
	}
	audit := strings.Join(result.Logs, events.Separator)
	return m.put(ctx, m.ObjectKey(jobID, "audit.log"), "text/plain", []byte(audit))
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
