package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) Store {
	t.Helper()
	return Store{
		Dir:          filepath.Join(t.TempDir(), "uploads"),
		MaxFileSize:  1 << 20,
		AllowedMIMEs: []string{"image/jpeg", "image/jpg", "image/png", "image/gif"},
		Now:          func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) },
	}
}

func upload(name, mime, content string) Upload {
	return Upload{
		Filename: name,
		MimeType: mime,
		Size:     int64(len(content)),
		Content:  bytes.NewReader([]byte(content)),
	}
}

func TestSaveBatchNamesFilesAfterPatient(t *testing.T) {
	s := testStore(t)
	saved, rejected, err := s.SaveBatch("PAT20240101001", []Upload{
		upload("first.png", "image/png", "aaa"),
		upload("second.jpg", "image/jpeg", "bbb"),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejected)
	}
	if len(saved) != 2 {
		t.Fatalf("want 2 saved, got %d", len(saved))
	}
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).Unix()
	wantFirst := "PAT20240101001_" + strconv.FormatInt(ts, 10) + "_0.png"
	if got := filepath.Base(saved[0].Path); got != wantFirst {
		t.Fatalf("want %q on disk, got %q", wantFirst, got)
	}
	if got := filepath.Base(saved[1].Path); !strings.HasSuffix(got, "_1.jpg") {
		t.Fatalf("second file should carry index 1, got %q", got)
	}
	if saved[0].Name != "first.png" || saved[1].Name != "second.jpg" {
		t.Fatalf("submitted names should survive, got %q, %q", saved[0].Name, saved[1].Name)
	}
	for _, f := range saved {
		if _, err := os.Stat(f.Path); err != nil {
			t.Fatalf("missing stored file %s: %v", f.Path, err)
		}
	}
}

func TestSaveBatchRejectsPerFile(t *testing.T) {
	s := testStore(t)
	s.MaxFileSize = 4
	saved, rejected, err := s.SaveBatch("PAT20240101001", []Upload{
		upload("ok.png", "image/png", "abc"),
		upload("big.png", "image/png", "too large"),
		upload("doc.pdf", "application/pdf", "pdf"),
		upload("empty.png", "image/png", ""),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("want 1 saved, got %d", len(saved))
	}
	if len(rejected) != 3 {
		t.Fatalf("want 3 rejections, got %d", len(rejected))
	}
	reasons := map[string]string{}
	for _, r := range rejected {
		reasons[r.Filename] = r.Reason
	}
	if !strings.Contains(reasons["big.png"], "exceeds") {
		t.Fatalf("size rejection missing: %v", reasons)
	}
	if !strings.Contains(reasons["doc.pdf"], "unsupported type") {
		t.Fatalf("mime rejection missing: %v", reasons)
	}
	if reasons["empty.png"] != "file is empty" {
		t.Fatalf("empty rejection missing: %v", reasons)
	}
}

func TestExtensionFallsBackToMIME(t *testing.T) {
	s := testStore(t)
	saved, _, err := s.SaveBatch("PAT20240101001", []Upload{
		upload("noext", "image/jpeg", "abc"),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(saved) != 1 || !strings.HasSuffix(saved[0].Path, ".jpg") {
		t.Fatalf("want .jpg fallback, got %+v", saved)
	}
}

func TestCleanupRemovesSavedFiles(t *testing.T) {
	s := testStore(t)
	saved, _, err := s.SaveBatch("PAT20240101001", []Upload{
		upload("a.png", "image/png", "abc"),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Cleanup(saved)
	if _, err := os.Stat(saved[0].Path); !os.IsNotExist(err) {
		t.Fatalf("file should be gone after cleanup")
	}
}
