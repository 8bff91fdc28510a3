package attach

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/voxd-app/voxd/internal/worker"
)

// FromClipboard reads an image from the clipboard as a prompt attachment.
// Returns ok=false if no image is available (not an error).
func FromClipboard() (worker.Attachment, bool, error) {
	switch runtime.GOOS {
	case "darwin":
		return readClipboardMacOS()
	case "linux":
		return readClipboardLinux()
	default:
		return worker.Attachment{}, false, fmt.Errorf("clipboard not supported on %s", runtime.GOOS)
	}
}

func clipboardAttachment(data []byte) (worker.Attachment, bool, error) {
	if len(data) == 0 {
		return worker.Attachment{}, false, nil
	}
	if len(data) > MaxSize {
		return worker.Attachment{}, false, fmt.Errorf("clipboard image too large: %s (max %s)",
			FormatBytes(len(data)), FormatBytes(MaxSize))
	}
	return encode("image/png", data), true, nil
}

// readClipboardMacOS reads image from macOS clipboard using osascript.
func readClipboardMacOS() (worker.Attachment, bool, error) {
	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("clipboard_%d.png", time.Now().UnixNano()))
	defer os.Remove(tmpFile)

	script := fmt.Sprintf(`
		set theFile to POSIX file "%s"
		try
			set imgData to the clipboard as «class PNGf»
			set fileRef to open for access theFile with write permission
			write imgData to fileRef
			close access fileRef
			return "ok"
		on error
			return "no image"
		end try
	`, tmpFile)

	output, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return worker.Attachment{}, false, fmt.Errorf("failed to read clipboard: %w", err)
	}
	if strings.TrimSpace(string(output)) == "no image" {
		return worker.Attachment{}, false, nil
	}

	data, err := os.ReadFile(tmpFile)
	if err != nil {
		return worker.Attachment{}, false, fmt.Errorf("failed to read clipboard image: %w", err)
	}
	return clipboardAttachment(data)
}

// readClipboardLinux reads image from Linux clipboard using xclip or xsel.
func readClipboardLinux() (worker.Attachment, bool, error) {
	data, err := exec.Command("xclip", "-selection", "clipboard", "-t", "image/png", "-o").Output()
	if err != nil {
		data, err = exec.Command("xsel", "--clipboard", "--output").Output()
		if err != nil {
			return worker.Attachment{}, false, nil
		}
	}
	return clipboardAttachment(data)
}
