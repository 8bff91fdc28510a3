// Package attach loads screenshots and other images into prompt
// attachments for the worker protocol.
package attach

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxd-app/voxd/internal/worker"
)

const (
	// MaxSize is the maximum allowed attachment size (5MB)
	MaxSize = 5 * 1024 * 1024
)

// SupportedTypes maps file extensions to MIME types
var SupportedTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// IsImageFile returns true if the file extension indicates a supported image format
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := SupportedTypes[ext]
	return ok
}

// Load reads and validates an image file and encodes it as a prompt
// attachment.
func Load(path string) (worker.Attachment, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return worker.Attachment{}, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return worker.Attachment{}, fmt.Errorf("file not found: %s", path)
		}
		return worker.Attachment{}, fmt.Errorf("cannot access file: %w", err)
	}
	if info.Size() > MaxSize {
		return worker.Attachment{}, fmt.Errorf("attachment too large: %s (max %s)",
			FormatBytes(int(info.Size())), FormatBytes(MaxSize))
	}

	ext := strings.ToLower(filepath.Ext(absPath))
	mediaType, ok := SupportedTypes[ext]
	if !ok {
		return worker.Attachment{}, fmt.Errorf("unsupported image format: %s", ext)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return worker.Attachment{}, fmt.Errorf("failed to read file: %w", err)
	}

	// Verify the content actually is an image, not just named like one.
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return worker.Attachment{}, fmt.Errorf("file is not a valid image: %s", path)
	}

	return encode(mediaType, data), nil
}

// LoadAll loads every path; one bad file fails the whole set so the user
// never dispatches with a silently dropped attachment.
func LoadAll(paths []string) ([]worker.Attachment, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([]worker.Attachment, 0, len(paths))
	for _, p := range paths {
		a, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func encode(mediaType string, data []byte) worker.Attachment {
	return worker.Attachment{
		MediaType:  mediaType,
		Base64Data: base64.StdEncoding.EncodeToString(data),
	}
}

// FormatBytes formats byte size as human-readable string
func FormatBytes(bytes int) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
