// Package filesvc answers the daemon's filesystem verb group: directory
// browsing, reading text files, opening a file in the user's editor, and
// downloading a file's contents — each guarded against path traversal and,
// for downloads, an extension allow-list and size cap.
package filesvc

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// maxDownloadBytes caps download_file so a multi-gigabyte file can't be
// dragged through a single WebSocket frame.
const maxDownloadBytes = 10 << 20 // 10MB

// downloadableExtensions allow-lists the file types download_file will
// serve; anything else is refused with filesystem-denied.
var downloadableExtensions = map[string]bool{
	".txt": true, ".md": true, ".json": true, ".yaml": true, ".yml": true,
	".log": true, ".go": true, ".js": true, ".ts": true, ".py": true,
	".diff": true, ".patch": true, ".csv": true,
}

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// resolve joins root and the client-supplied relative path, then verifies
// the result is still contained within root — refusing "../" escapes with
// the normalized attempted path echoed back, per the error-handling design.
func resolve(root, requested string) (string, error) {
	if requested == "" {
		requested = "."
	}
	joined := filepath.Join(root, requested)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("filesystem-denied: %s", joined)
	}
	return joined, nil
}

// BrowseDirectories lists root/path's immediate children, directories first.
func BrowseDirectories(root, path string) ([]Entry, error) {
	dir, err := resolve(root, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("browse directories: %w", err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		out = append(out, Entry{
			Name:  e.Name(),
			Path:  filepath.Join(dir, e.Name()),
			IsDir: e.IsDir(),
			Size:  size,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ReadFile returns root/path's contents as text.
func ReadFile(root, path string) (string, error) {
	full, err := resolve(root, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// OpenInEditor launches the user's $VISUAL/$EDITOR (or the platform's
// default opener) against root/path.
func OpenInEditor(ctx context.Context, root, path string) error {
	full, err := resolve(root, path)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(full); statErr != nil {
		return fmt.Errorf("open in editor: %w", statErr)
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}

	var cmd *exec.Cmd
	switch {
	case editor != "":
		cmd = exec.CommandContext(ctx, editor, full)
	case runtime.GOOS == "darwin":
		cmd = exec.CommandContext(ctx, "open", full)
	case runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", "", full)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", full)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open in editor: %w", err)
	}
	return nil
}

// DownloadFile returns root/path's contents base64-encoded, refusing files
// outside the extension allow-list or over maxDownloadBytes.
func DownloadFile(root, path string) (name, base64Data string, err error) {
	full, err := resolve(root, path)
	if err != nil {
		return "", "", err
	}
	ext := strings.ToLower(filepath.Ext(full))
	if !downloadableExtensions[ext] {
		return "", "", fmt.Errorf("filesystem-denied: extension %q not allowed", ext)
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", "", fmt.Errorf("download file: %w", err)
	}
	if info.Size() > maxDownloadBytes {
		return "", "", fmt.Errorf("filesystem-too-large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", "", fmt.Errorf("download file: %w", err)
	}
	return filepath.Base(full), base64.StdEncoding.EncodeToString(data), nil
}
