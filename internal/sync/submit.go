package sync

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const formContentType = "application/x-www-form-urlencoded"

func newTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// HTTPSubmitter posts each record as a form to the log-submission endpoint.
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSubmitter creates a submitter for endpoint. A nil client gets a
// default one with the given timeout.
func NewHTTPSubmitter(endpoint string, client *http.Client, timeout time.Duration) *HTTPSubmitter {
	if client == nil {
		client = &http.Client{Transport: newTransport(), Timeout: timeout}
	}
	return &HTTPSubmitter{endpoint: endpoint, client: client}
}

// Submit implements Submitter. Any 2xx status is an acceptance.
func (s *HTTPSubmitter) Submit(ctx context.Context, sub Submission) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(sub.Form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	req.Header.Set("Content-Type", formContentType)
	if sub.ClientKey != "" {
		req.Header.Set("Idempotency-Key", sub.ClientKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: endpoint returned %s", ErrSubmit, resp.Status)
	}
	return nil
}

// ObjectConfig locates the bucket an ObjectSubmitter writes to.
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// ObjectSubmitter stores each record's form as an object in a MinIO/S3
// bucket. A completed PutObject is the acceptance signal.
type ObjectSubmitter struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectSubmitter creates a MinIO-backed submitter.
func NewObjectSubmitter(cfg ObjectConfig) (*ObjectSubmitter, error) {
	opts := minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Transport:    newTransport(),
		BucketLookup: minio.BucketLookupAuto,
	}

	client, err := minio.New(cfg.Endpoint, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &ObjectSubmitter{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Submit implements Submitter.
func (s *ObjectSubmitter) Submit(ctx context.Context, sub Submission) error {
	body := sub.Form.Encode()
	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		objectKey(s.prefix, sub),
		strings.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{
			ContentType:  formContentType,
			UserMetadata: map[string]string{"client-key": sub.ClientKey},
		},
	)
	if err != nil {
		if minioErr, ok := err.(minio.ErrorResponse); ok {
			return fmt.Errorf("%w: %s: %s", ErrSubmit, minioErr.Code, minioErr.Message)
		}
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	return nil
}

// objectKey names the object for sub; the client key keeps redeliveries of
// the same record on the same object.
func objectKey(prefix string, sub Submission) string {
	key := path.Join(sanitizePath(prefix), sanitizePath(sub.Date), sub.ClientKey+".form")
	return strings.TrimPrefix(key, "/")
}

func sanitizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")

	segments := strings.Split(p, "/")
	for i, segment := range segments {
		if decoded, err := url.QueryUnescape(segment); err == nil {
			segment = decoded
		}
		segment = strings.ReplaceAll(segment, "&", "and")
		segments[i] = url.QueryEscape(segment)
	}

	sanitized := strings.Join(segments, "/")
	for strings.Contains(sanitized, "//") {
		sanitized = strings.ReplaceAll(sanitized, "//", "/")
	}
	return sanitized
}
