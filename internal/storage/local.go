package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ BlobStore = (*LocalStore)(nil)
var _ BlobServer = (*LocalStore)(nil)

// LocalStore keeps blobs on the local filesystem and signs read URLs with
// HMAC-SHA256 over the path and expiry timestamp.
type LocalStore struct {
	baseDir string
	baseURL string
	secret  []byte
	logger  *zap.Logger
}

func NewLocalStore(baseDir, baseURL, secret string, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", baseDir, err)
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		logger:  logger.Named("LocalStore"),
	}, nil
}

func (s *LocalStore) Upload(ctx context.Context, kind string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s/%s.png", kind, uuid.NewString())
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob subdirectory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		s.logger.Error("Failed to write blob", zap.String("path", name), zap.Error(err))
		return "", fmt.Errorf("failed to write blob %s: %w", name, err)
	}
	s.logger.Debug("Blob stored", zap.String("path", name), zap.Int("bytes", len(data)))
	return name, nil
}

func (s *LocalStore) Sign(path string, ttl time.Duration) (SignedURL, error) {
	if path == "" {
		return SignedURL{}, fmt.Errorf("cannot sign empty blob path")
	}
	expiresAt := time.Now().Add(ttl).Truncate(time.Second)
	signature := s.signature(path, expiresAt.Unix())
	signed := fmt.Sprintf("%s/%s?expires=%d&sig=%s",
		s.baseURL, url.PathEscape(path), expiresAt.Unix(), signature)
	return SignedURL{URL: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature and that the expiry has not passed.
func (s *LocalStore) Verify(path string, expires int64, signature string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	expected := s.signature(path, expires)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *LocalStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Reject traversal out of the blob root.
	clean := filepath.Clean(filepath.FromSlash(path))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid blob path %q", path)
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}
	return data, nil
}

func (s *LocalStore) signature(path string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
