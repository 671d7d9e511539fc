// Package media moves files between the backend and the gateway workspace.
// Inbound attachments are staged into the workspace uploads directory so the
// agent can reach them by path; reply media is scraped back out of session
// transcripts via MEDIA: directives.
package media

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openclaw/relay/backend"
)

// Store knows its way around an OpenClaw state directory.
type Store struct {
	stateDir  string
	uploadDir string
	log       *slog.Logger
}

// NewStore creates a Store rooted at the OpenClaw state directory.
func NewStore(stateDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		stateDir:  stateDir,
		uploadDir: filepath.Join(stateDir, "workspace", "uploads"),
		log:       log.With("component", "media"),
	}
}

// UploadDir returns the staging directory for inbound files.
func (s *Store) UploadDir() string {
	return s.uploadDir
}

// StageUploads writes inbound attachments into the uploads directory and
// returns their absolute paths. Names are sanitized and prefixed with a
// random tag so concurrent tasks never collide.
func (s *Store) StageUploads(files []backend.InputMedia) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(s.uploadDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "cannot create uploads directory")
	}

	paths := make([]string, 0, len(files))

	for _, f := range files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "attachment %q is not valid base64", f.Name)
		}

		name := uuid.NewString()[:8] + "-" + sanitizeName(f.Name)
		path := filepath.Join(s.uploadDir, name)

		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, errors.Wrapf(err, "cannot stage attachment %q", f.Name)
		}

		s.log.Debug("staged upload", "path", path, "bytes", len(data))
		paths = append(paths, path)
	}

	return paths, nil
}

// RotateStale removes staged uploads older than maxAge and returns how many
// were removed. Failures are logged and skipped; rotation must never take a
// chat task down with it.
func (s *Store) RotateStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cannot scan uploads directory", "err", err)
		}
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(s.uploadDir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn("cannot remove stale upload", "path", path, "err", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("rotated stale uploads", "removed", removed)
	}
	return removed
}

// sanitizeName flattens an attachment name to a safe single path element.
func sanitizeName(name string) string {
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "file"
	}
	return out
}
