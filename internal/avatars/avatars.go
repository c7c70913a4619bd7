// Package avatars stores profile pictures on local disk.
package avatars

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PublicPrefix is the URL prefix the upload directory is served under
const PublicPrefix = "/uploads/"

var (
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrNotFound        = errors.New("profile picture not found")
)

var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Config for the upload store
type Config struct {
	Dir          string
	MaxFileBytes int64
}

// Store saves uploads into a single directory
type Store struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
}

// NewStore creates the upload directory if needed
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 5 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{dir: cfg.Dir, maxBytes: cfg.MaxFileBytes, logger: logger}, nil
}

// Dir is the directory files are written to
func (s *Store) Dir() string {
	return s.dir
}

// MaxBytes is the largest accepted upload
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save sniffs the content type, writes the file and returns its public path.
// The file extension comes from the detected type, never from the client.
func (s *Store) Save(r io.Reader, field string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: max %d bytes", ErrTooLarge, s.maxBytes)
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), allowedTypes...) {
		return "", fmt.Errorf("%w: %s (allowed: %s)", ErrUnsupportedType, mt.String(), strings.Join(allowedTypes, ", "))
	}

	if field == "" {
		field = "image"
	}
	name := fmt.Sprintf("%s-%d-%s%s", field, time.Now().UnixMilli(), uuid.New().String()[:8], mt.Extension())
	target := filepath.Join(s.dir, name)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	s.logger.Debug("Stored profile picture", zap.String("file", name), zap.String("type", mt.String()), zap.Int("bytes", len(data)))
	return PublicPrefix + name, nil
}

// Resolve maps a public path back onto the file on disk
func (s *Store) Resolve(publicPath string) (string, error) {
	name, err := fileName(publicPath)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.dir, name)
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, publicPath)
		}
		return "", err
	}
	return full, nil
}

// Remove deletes the file behind a public path. A missing file is not an error.
func (s *Store) Remove(publicPath string) error {
	name, err := fileName(publicPath)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove profile picture: %w", err)
	}
	return nil
}

// fileName extracts the bare file name, refusing anything outside the upload dir
func fileName(publicPath string) (string, error) {
	if !strings.HasPrefix(publicPath, PublicPrefix) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, publicPath)
	}
	name := strings.TrimPrefix(publicPath, PublicPrefix)
	if name == "" || name != path.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, publicPath)
	}
	return name, nil
}
