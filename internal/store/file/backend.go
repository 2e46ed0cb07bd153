// Package file implements the durable local filesystem snapshot store used as
// the fallback backend.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmansell/quotewatch/internal/market"
)

var categoryName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Config captures the parameters for the file backend.
type Config struct {
	// BaseDir is the root directory where category files are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Backend writes one JSON file per category under BaseDir.
type Backend struct {
	baseDir string
}

// New creates a filesystem-backed Backend, verifying the directory exists and
// is writable.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}

	return &Backend{baseDir: cfg.BaseDir}, nil
}

// Load reads the category's snapshot file.
func (b *Backend) Load(_ context.Context, category string) (market.Snapshot, bool, error) {
	path, err := b.categoryPath(category)
	if err != nil {
		return market.Snapshot{}, false, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return market.Snapshot{}, false, nil
	}
	if err != nil {
		return market.Snapshot{}, false, fmt.Errorf("read snapshot file: %w", err)
	}
	var snap market.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return market.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// Save writes the snapshot via a temp file rename so readers never observe a
// partial write.
func (b *Backend) Save(_ context.Context, category string, snap market.Snapshot) error {
	path, err := b.categoryPath(category)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}

// Ping verifies the base directory is still writable.
func (b *Backend) Ping(_ context.Context) error {
	testFile := filepath.Join(b.baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("ping"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("clean up ping file: %w", err)
	}
	return nil
}

// Close implements the Backend interface; it performs no action.
func (b *Backend) Close() {}

func (b *Backend) categoryPath(category string) (string, error) {
	safe := categoryName.ReplaceAllString(category, "_")
	if safe == "" {
		return "", fmt.Errorf("category name is required")
	}
	fullPath := filepath.Join(b.baseDir, safe+".json")

	// Verify the path stays within baseDir to prevent traversal.
	cleanBase := filepath.Clean(b.baseDir)
	cleanFull := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
