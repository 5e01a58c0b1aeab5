// Package artifact names and stores the files the service produces: uploaded
// pictures and synthesized audio. Everything lives in one flat directory that
// is also served publicly.
package artifact

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/loqalabs/storyteller/internal/config"
)

// Placeholder is the content written when real audio cannot be produced.
var Placeholder = []byte{0x00}

const contentNameLen = 16

// File locates a stored artifact on disk and on the public URL space.
type File struct {
	Name       string
	Path       string
	PublicPath string
}

type Store struct {
	dir    string
	prefix string
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Store)

// WithClock overrides the time source used for audio names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDSource overrides the suffix generator used for audio names.
func WithIDSource(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func New(cfg config.StorageConfig, logger *slog.Logger, opts ...Option) (*Store, error) {
	if cfg.UploadDir == "" {
		return nil, errors.New("artifact: upload dir must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	s := &Store{
		dir:    cfg.UploadDir,
		prefix: "/" + strings.Trim(cfg.PublicPrefix, "/"),
		logger: logger.With(slog.String("component", "artifact")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) PublicPrefix() string { return s.prefix }

// NextAudio returns a fresh candidate location for a synthesized clip. The
// random suffix keeps names unique when several clips start within the same
// second.
func (s *Store) NextAudio() File {
	name := fmt.Sprintf("audio_%d_%s.mp3", s.now().Unix(), s.newID())
	return s.file(name)
}

func (s *Store) file(name string) File {
	return File{
		Name:       name,
		Path:       filepath.Join(s.dir, name),
		PublicPath: path.Join(s.prefix, name),
	}
}

// Create opens f for writing, truncating any previous content.
func (s *Store) Create(f File) (*os.File, error) {
	out, err := os.OpenFile(f.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", f.Name, err)
	}
	return out, nil
}

// Remove deletes f. A missing file is not an error.
func (s *Store) Remove(f File) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.Name, err)
	}
	return nil
}

// WritePlaceholder replaces f with the one-byte placeholder.
func (s *Store) WritePlaceholder(f File) error {
	if err := os.WriteFile(f.Path, Placeholder, 0o644); err != nil {
		return fmt.Errorf("write placeholder %s: %w", f.Name, err)
	}
	s.logger.Warn("wrote placeholder audio", slog.String("file", f.Name))
	return nil
}

// SaveUpload stores data under a name derived from its blake3 digest, so the
// client-supplied filename never reaches the filesystem. Saving identical
// bytes twice yields the same file.
func (s *Store) SaveUpload(data []byte, ext string) (File, error) {
	sum, err := contentHash(bytes.NewReader(data))
	if err != nil {
		return File{}, err
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	f := s.file(sum[:contentNameLen*2] + ext)
	if _, err := os.Stat(f.Path); err == nil {
		return f, nil
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return File{}, fmt.Errorf("write upload %s: %w", f.Name, err)
	}
	s.logger.Debug("stored upload", slog.String("file", f.Name), slog.Int("bytes", len(data)))
	return f, nil
}

func contentHash(r io.Reader) (string, error) {
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("calculating blake3 hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
