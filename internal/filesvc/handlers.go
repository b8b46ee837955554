package filesvc

import (
	"context"
	"encoding/json"
	"fmt"

	"companiond/internal/wsserver"
)

// Service answers the files verb group (§6), resolving every request
// relative to root (typically the user's home directory).
type Service struct {
	root string
}

// NewService constructs a Service rooted at root.
func NewService(root string) *Service {
	return &Service{root: root}
}

// RegisterHandlers wires the files verb group into hub.
func (s *Service) RegisterHandlers(hub *wsserver.Hub) {
	hub.Handle("browse_directories", s.handleBrowseDirectories)
	hub.Handle("read_file", s.handleReadFile)
	hub.Handle("open_in_editor", s.handleOpenInEditor)
	hub.Handle("download_file", s.handleDownloadFile)
}

type pathPayload struct {
	Path string `json:"path"`
}

func (s *Service) handleBrowseDirectories(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p pathPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
		}
	}
	entries, err := BrowseDirectories(s.root, p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Service) handleReadFile(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p pathPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Path == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	content, err := ReadFile(s.root, p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"content": content}, nil
}

func (s *Service) handleOpenInEditor(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p pathPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Path == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if err := OpenInEditor(ctx, s.root, p.Path); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Service) handleDownloadFile(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p pathPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Path == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	name, data, err := DownloadFile(s.root, p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"name": name, "data": data}, nil
}
