package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStorage stores chat attachments and returns a public URL
type FileStorage interface {
	// SaveFile stores the file under folder and returns its public URL
	SaveFile(ctx context.Context, folder string, file io.Reader, filename string, contentType string) (string, error)
	// DeleteFile deletes a file by its URL
	DeleteFile(ctx context.Context, fileURL string) error
}

// objectName builds a collision-free name that keeps the original extension.
func objectName(filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		if parts := strings.Split(contentType, "/"); len(parts) == 2 && parts[1] != "" {
			ext = "." + parts[1]
		}
	}
	return fmt.Sprintf("%s_%s%s", time.Now().UTC().Format("20060102"), uuid.New().String(), ext)
}

// cleanFolder keeps folder names relative and free of traversal segments.
func cleanFolder(folder string) string {
	folder = filepath.ToSlash(filepath.Clean("/" + folder))
	return strings.Trim(folder, "/")
}
