package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SliceSize is the plaintext size of every chunk except possibly the last.
const SliceSize = 8192

// File is one queued outbound file.
type File struct {
	Name     string
	Size     int64
	MimeType string
	ModTime  time.Time
	Content  io.ReaderAt
}

// NewFile wraps in-memory content.
func NewFile(name, mimeType string, data []byte) File {
	return File{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimeType,
		Content:  bytes.NewReader(data),
	}
}

// OpenFile opens a regular file for sending. The caller closes the returned closer
// once the file has been sent.
func OpenFile(path string) (File, io.Closer, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("stat source file: %w", err)
	}
	if fileInfo.IsDir() {
		return File{}, nil, errors.New("source path must be a file")
	}

	handle, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("open source file: %w", err)
	}

	name := filepath.Base(path)
	return File{
		Name:     name,
		Size:     fileInfo.Size(),
		MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		ModTime:  fileInfo.ModTime(),
		Content:  handle,
	}, handle, nil
}

type fileKey struct {
	name    string
	size    int64
	modTime int64
}

func (f File) key() fileKey {
	var mod int64
	if !f.ModTime.IsZero() {
		mod = f.ModTime.UnixNano()
	}
	return fileKey{name: f.Name, size: f.Size, modTime: mod}
}

// SliceCount returns the number of chunks a file of size bytes is sent as.
func SliceCount(size int64) int {
	if size <= 0 {
		return 0
	}
	count := size / SliceSize
	if size%SliceSize != 0 {
		count++
	}
	return int(count)
}

// Percent returns min(100, round(done/total*100)). A zero total is complete.
func Percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	return min(100, p)
}
