package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	cldconfig "github.com/cloudinary/cloudinary-go/v2/config"
)

// CloudinaryConfig holds Cloudinary credentials.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
}

// Eager transformation applied to image attachments so notifications and
// chat bubbles load a resized copy.
const imageEager = "q_auto,f_auto,w_800,c_limit"

// CloudinaryStorage uploads attachments to Cloudinary.
type CloudinaryStorage struct {
	cloudName string
	uploader  *uploader.API
}

func NewCloudinaryStorage(cfg CloudinaryConfig) (*CloudinaryStorage, error) {
	conf, err := cldconfig.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary config: %w", err)
	}
	up, err := uploader.NewWithConfiguration(conf)
	if err != nil {
		return nil, fmt.Errorf("cloudinary uploader: %w", err)
	}
	return &CloudinaryStorage{cloudName: cfg.CloudName, uploader: up}, nil
}

func (s *CloudinaryStorage) SaveFile(ctx context.Context, folder string, file io.Reader, filename string, contentType string) (string, error) {
	name := objectName(filename, contentType)
	params := uploader.UploadParams{
		Folder:       cleanFolder(folder),
		PublicID:     strings.TrimSuffix(name, path.Ext(name)),
		ResourceType: "auto",
	}
	if strings.HasPrefix(contentType, "image/") {
		params.Eager = imageEager
	}

	result, err := s.uploader.Upload(ctx, file, params)
	if err != nil {
		return "", fmt.Errorf("cloudinary upload: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary upload: %s", result.Error.Message)
	}
	return result.SecureURL, nil
}

// DeleteFile destroys the asset whose public id is encoded in the URL.
func (s *CloudinaryStorage) DeleteFile(ctx context.Context, fileURL string) error {
	publicID, err := publicIDFromURL(fileURL)
	if err != nil {
		return err
	}
	if _, err := s.uploader.Destroy(ctx, uploader.DestroyParams{PublicID: publicID}); err != nil {
		return fmt.Errorf("cloudinary destroy: %w", err)
	}
	return nil
}

// publicIDFromURL extracts "folder/name" from
// https://res.cloudinary.com/<cloud>/image/upload/v123/folder/name.jpg
func publicIDFromURL(fileURL string) (string, error) {
	idx := strings.Index(fileURL, "/upload/")
	if idx < 0 {
		return "", fmt.Errorf("not a cloudinary upload url: %q", fileURL)
	}
	rest := fileURL[idx+len("/upload/"):]
	if slash := strings.Index(rest, "/"); slash > 0 && rest[0] == 'v' && isDigits(rest[1:slash]) {
		rest = rest[slash+1:]
	}
	rest = strings.TrimSuffix(rest, path.Ext(rest))
	if rest == "" {
		return "", fmt.Errorf("empty public id in %q", fileURL)
	}
	return rest, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
