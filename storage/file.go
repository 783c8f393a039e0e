package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/eddielth/eds-sync/logger"
)

var pathReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

// FileStorage writes one JSON document per point and series start under
// <base>/<group>/, so a re-fetched window replaces its earlier file.
type FileStorage struct {
	basePath string
}

// NewFileStorage returns a file backend rooted at basePath
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file archive: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Name implements StorageBackend
func (fs *FileStorage) Name() string { return "file" }

// Path returns the file series is archived to
func (fs *FileStorage) Path(series Series) string {
	start := "empty"
	if len(series.Samples) > 0 {
		start = series.Samples[0].Timestamp.UTC().Format("20060102-150405")
	}
	name := fmt.Sprintf("%s_%s.json", pathReplacer.Replace(series.PointID), start)
	return filepath.Join(fs.basePath, pathReplacer.Replace(series.Group), name)
}

// Store implements StorageBackend
func (fs *FileStorage) Store(_ context.Context, series Series) error {
	filename := fs.Path(series)
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", filepath.Dir(filename), err)
	}

	data, err := json.MarshalIndent(series, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize series failed: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	logger.Debug("archived %d samples to %s", len(series.Samples), filename)
	return nil
}

// Close implements StorageBackend
func (fs *FileStorage) Close() error {
	return nil
}
