package images

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxBlobSize caps a single fetched image
const MaxBlobSize = 20 << 20

// FileStore serves blobs from a directory; keys are relative paths
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Fetch implements BlobStore
func (s *FileStore) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	clean := filepath.Clean("/" + filepath.FromSlash(key))
	path := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, "", fmt.Errorf("invalid key %q", key)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	if info.IsDir() {
		return nil, "", ErrNotFound
	}
	if info.Size() > MaxBlobSize {
		return nil, "", fmt.Errorf("blob %q exceeds %d bytes", key, MaxBlobSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, mime.TypeByExtension(filepath.Ext(path)), nil
}

// HTTPStore fetches blobs from {baseURL}/{key}, e.g. an object storage bucket
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore creates a store. A nil client gets a 15s timeout.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch implements BlobStore
func (s *HTTPStore) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	u := s.baseURL + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("blob store returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > MaxBlobSize {
		return nil, "", fmt.Errorf("blob %q exceeds %d bytes", key, MaxBlobSize)
	}

	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	return data, ct, nil
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
