package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultArtifactName = "download"
	maxNameAttempts     = 1000
)

// Artifact is one fully reassembled inbound file.
type Artifact struct {
	Name     string
	MimeType string
	Data     []byte
	FileID   string
}

// Size returns the artifact length in bytes.
func (a *Artifact) Size() int64 {
	return int64(len(a.Data))
}

// Save writes the artifact into dir without overwriting existing files and
// returns the written path. Directory components of the announced name are
// discarded.
func (a *Artifact) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	base := SafeFileName(a.Name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		path := filepath.Join(dir, candidate)

		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create artifact file: %w", err)
		}

		if _, err := file.Write(a.Data); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write artifact file: %w", err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("close artifact file: %w", err)
		}
		return path, nil
	}

	return "", fmt.Errorf("no free file name for %q in %s", base, dir)
}

// SafeFileName reduces an announced file name to a single path element.
func SafeFileName(name string) string {
	cleaned := strings.ReplaceAll(name, "\\", "/")
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, cleaned)

	base := filepath.Base(filepath.Clean("/" + cleaned))
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == "/" || base == ".." {
		return defaultArtifactName
	}
	return base
}
