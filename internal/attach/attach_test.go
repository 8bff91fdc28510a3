package attach

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// minimal valid 1x1 PNG
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

func TestIsImageFile(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"screenshot.png", true},
		{"photo.jpg", true},
		{"photo.jpeg", true},
		{"animation.gif", true},
		{"modern.webp", true},
		{"document.md", false},
		{"code.go", false},
		{"PHOTO.PNG", true}, // Case insensitive
	}
	for _, tt := range tests {
		if got := IsImageFile(tt.path); got != tt.expected {
			t.Errorf("IsImageFile(%q) = %v, want %v", tt.path, got, tt.expected)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, pngBytes, 0644); err != nil {
		t.Fatal(err)
	}

	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.MediaType != "image/png" {
		t.Errorf("media type = %q", a.MediaType)
	}
	decoded, err := base64.StdEncoding.DecodeString(a.Base64Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(pngBytes) {
		t.Errorf("payload length = %d, want %d", len(decoded), len(pngBytes))
	}
}

func TestLoadRejectsNonImageContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.png")
	if err := os.WriteFile(path, []byte("just some text"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("text file with image extension accepted")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load("/nonexistent/shot.png"); err == nil {
		t.Error("missing file accepted")
	}

	txt := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(txt, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(txt); err == nil {
		t.Error("unsupported extension accepted")
	}
}

func TestLoadAllFailsClosed(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	if err := os.WriteFile(good, pngBytes, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadAll([]string{good, filepath.Join(dir, "missing.png")})
	if err == nil {
		t.Error("partial attachment set accepted")
	}
	if got != nil {
		t.Errorf("attachments = %v, want nil on failure", got)
	}

	got, err = LoadAll([]string{good})
	if err != nil || len(got) != 1 {
		t.Errorf("LoadAll = %v, %v", got, err)
	}
}

func TestLoadRejectsOversizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.png")
	big := make([]byte, MaxSize+1)
	copy(big, pngBytes)
	if err := os.WriteFile(path, big, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("oversize attachment accepted")
	}
	if !strings.Contains(err.Error(), "5.0 MB") {
		t.Errorf("error = %v, want human-readable limit", err)
	}
}

func TestClipboardAttachment(t *testing.T) {
	if _, ok, err := clipboardAttachment(nil); ok || err != nil {
		t.Errorf("empty clipboard = %v, %v", ok, err)
	}

	a, ok, err := clipboardAttachment(pngBytes)
	if !ok || err != nil {
		t.Fatalf("clipboardAttachment: %v, %v", ok, err)
	}
	if a.MediaType != "image/png" {
		t.Errorf("media type = %q", a.MediaType)
	}

	if _, ok, err := clipboardAttachment(make([]byte, MaxSize+1)); ok || err == nil {
		t.Error("oversize clipboard image accepted")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5242880, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.bytes, got, tt.expected)
		}
	}
}
