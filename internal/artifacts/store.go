// Package artifacts stores run outputs (reports, signer descriptors, node
// logs) so a failed run can be inspected after its processes are gone.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxObjectBytes int64 = 32 << 20
)

var (
	ErrInvalidConfig = errors.New("artifacts: invalid config")
	ErrInvalidKey    = errors.New("artifacts: invalid key")
	ErrNotFound      = errors.New("artifacts: not found")
	ErrTooLarge      = errors.New("artifacts: object too large")
)

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (Artifact, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Artifact struct {
	Key         string
	Data        []byte
	ContentType string
}

// S3API is the subset of *s3.Client the s3 driver calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Config struct {
	// Driver defaults to memory.
	Driver string
	Prefix string

	// MaxObjectBytes bounds both Put and Get. Defaults to 32 MiB.
	MaxObjectBytes int64

	Bucket string
	S3     S3API
}

func New(cfg Config) (Store, error) {
	limit := cfg.MaxObjectBytes
	if limit <= 0 {
		limit = defaultMaxObjectBytes
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return &MemoryStore{prefix: prefix, limit: limit, objects: make(map[string]Artifact)}, nil
	case DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3 == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Store{api: cfg.S3, bucket: bucket, prefix: prefix, limit: limit}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func cleanKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: parent segment", ErrInvalidKey)
		}
	}
	if strings.IndexFunc(key, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0 {
		return "", fmt.Errorf("%w: control characters", ErrInvalidKey)
	}
	return key, nil
}

func withPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// MemoryStore keeps artifacts in process; it is the default driver and the
// one tests use.
type MemoryStore struct {
	prefix string
	limit  int64

	mu      sync.RWMutex
	objects map[string]Artifact
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if int64(len(data)) > m.limit {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, k, len(data), m.limit)
	}
	m.mu.Lock()
	m.objects[withPrefix(m.prefix, k)] = Artifact{
		Key:         k,
		Data:        bytes.Clone(data),
		ContentType: strings.TrimSpace(contentType),
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Artifact, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Artifact{}, err
	}
	m.mu.RLock()
	a, ok := m.objects[withPrefix(m.prefix, k)]
	m.mu.RUnlock()
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	a.Data = bytes.Clone(a.Data)
	return a, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Keys lists stored logical keys in order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for _, a := range m.objects {
		out = append(out, a.Key)
	}
	sort.Strings(out)
	return out
}

type s3Store struct {
	api    S3API
	bucket string
	prefix string
	limit  int64
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if int64(len(data)) > s.limit {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, k, len(data), s.limit)
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(withPrefix(s.prefix, k)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("artifacts/s3: put %s: %w", k, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Artifact, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Artifact{}, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, k)),
	})
	if err != nil {
		if isMissing(err) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return Artifact{}, fmt.Errorf("artifacts/s3: get %s: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.limit+1))
	if err != nil {
		return Artifact{}, fmt.Errorf("artifacts/s3: read %s: %w", k, err)
	}
	if int64(len(data)) > s.limit {
		return Artifact{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, k, s.limit)
	}
	return Artifact{Key: k, Data: data, ContentType: aws.ToString(out.ContentType)}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, k)),
	})
	switch {
	case err == nil:
		return true, nil
	case isMissing(err):
		return false, nil
	default:
		return false, fmt.Errorf("artifacts/s3: head %s: %w", k, err)
	}
}

func isMissing(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "NoSuchKey" || code == "NotFound" || code == "404"
}
