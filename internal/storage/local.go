package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileStorage implements FileStorage on the local filesystem
type LocalFileStorage struct {
	basePath string
	baseURL  string
}

// NewLocalFileStorage creates the base directory if needed
func NewLocalFileStorage(basePath, baseURL string) (*LocalFileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalFileStorage{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

// BasePath is the directory served under the public URL
func (s *LocalFileStorage) BasePath() string {
	return s.basePath
}

func (s *LocalFileStorage) SaveFile(ctx context.Context, folder string, file io.Reader, filename string, contentType string) (string, error) {
	folder = cleanFolder(folder)
	dir := filepath.Join(s.basePath, filepath.FromSlash(folder))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create folder: %w", err)
	}

	name := objectName(filename, contentType)
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to create file on disk: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", fmt.Errorf("failed to save file content: %w", err)
	}

	if folder == "" {
		return fmt.Sprintf("%s/%s", s.baseURL, name), nil
	}
	return fmt.Sprintf("%s/%s/%s", s.baseURL, folder, name), nil
}

// DeleteFile removes a file previously returned by SaveFile
func (s *LocalFileStorage) DeleteFile(ctx context.Context, fileURL string) error {
	rel := strings.TrimPrefix(fileURL, s.baseURL+"/")
	if rel == fileURL {
		return fmt.Errorf("file %q is not managed by this storage", fileURL)
	}

	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanFolder(rel)))
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
