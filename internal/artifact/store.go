// Package artifact persists uploaded ECG image files on the local filesystem.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store writes validated upload payloads under Dir. Validation happens per
// file so a batch can report exactly which files were rejected and why.
type Store struct {
	Dir          string
	MaxFileSize  int64
	AllowedMIMEs []string
	Now          func() time.Time
}

// Upload is one file from a multipart intake request.
type Upload struct {
	Filename string
	MimeType string
	Size     int64
	Content  io.Reader
}

// Saved describes a file that passed validation and was written to disk.
// Name is the filename as submitted; the collision-resistant name lives in
// the final element of Path.
type Saved struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
}

// Rejection names a file that failed validation and the reason it failed.
type Rejection struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

var extByMIME = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
}

func (s Store) allowed(mime string) bool {
	for _, m := range s.AllowedMIMEs {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

// Validate checks a single upload without touching the disk. It returns an
// empty string when the file is acceptable.
func (s Store) Validate(u Upload) string {
	if !s.allowed(u.MimeType) {
		return fmt.Sprintf("unsupported type %q", u.MimeType)
	}
	if s.MaxFileSize > 0 && u.Size > s.MaxFileSize {
		return fmt.Sprintf("file exceeds %d bytes", s.MaxFileSize)
	}
	if u.Size == 0 {
		return "file is empty"
	}
	return ""
}

// SaveBatch validates every upload, then writes the accepted ones under Dir
// named after the patient. Written files are removed again if any accepted
// file fails to persist, so a batch lands entirely or not at all.
func (s Store) SaveBatch(patientID string, uploads []Upload) ([]Saved, []Rejection, error) {
	var saved []Saved
	var rejected []Rejection
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create upload dir: %w", err)
	}
	ts := now().Unix()
	index := 0
	for _, u := range uploads {
		if reason := s.Validate(u); reason != "" {
			rejected = append(rejected, Rejection{Filename: u.Filename, Reason: reason})
			continue
		}
		ext := strings.ToLower(filepath.Ext(u.Filename))
		if ext == "" {
			ext = extByMIME[strings.ToLower(u.MimeType)]
		}
		name := fmt.Sprintf("%s_%d_%d%s", patientID, ts, index, ext)
		index++
		path := filepath.Join(s.Dir, name)
		size, err := writeFile(path, u.Content)
		if err != nil {
			s.Cleanup(saved)
			return nil, nil, fmt.Errorf("store %s: %w", u.Filename, err)
		}
		saved = append(saved, Saved{Path: path, Name: u.Filename, Size: size, MimeType: u.MimeType})
	}
	return saved, rejected, nil
}

// Cleanup removes previously saved files, used to undo a batch whose
// surrounding transaction rolled back.
func (s Store) Cleanup(saved []Saved) {
	for _, f := range saved {
		os.Remove(f.Path)
	}
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}
