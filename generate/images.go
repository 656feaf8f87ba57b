package generate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrImageNotFound is returned when no image file matches the id.
var ErrImageNotFound = errors.New("image not found")

const (
	imageCacheTTL = 10 * time.Minute
	// maxImageBytes keeps data URLs within what vision APIs accept.
	maxImageBytes = 20 << 20
)

// ImageStore loads images by id from a directory and keeps recently used
// ones in a TTL cache. An image with id 42 is stored as 42.<ext>.
type ImageStore struct {
	dir   string
	cache *ttlcache.Cache[string, *Image]
}

// NewImageStore creates a store reading from dir.
func NewImageStore(dir string) *ImageStore {
	c := ttlcache.New[string, *Image](
		ttlcache.WithTTL[string, *Image](imageCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *Image](),
	)
	go c.Start()
	return &ImageStore{dir: dir, cache: c}
}

// Close stops the cache expiration loop.
func (s *ImageStore) Close() {
	s.cache.Stop()
}

// Get returns the image with the given id.
func (s *ImageStore) Get(id string) (*Image, error) {
	if id == "" || strings.ContainsAny(id, `/\*?[`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: invalid id %q", ErrImageNotFound, id)
	}
	if item := s.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxImageBytes {
		return nil, fmt.Errorf("image %s is too large (%d bytes)", id, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", filepath.Base(path), mime)
	}

	img := &Image{Name: filepath.Base(path), MIME: mime, Data: data}
	s.cache.Set(id, img, ttlcache.DefaultTTL)
	slog.Debug("loaded image", "id", id, "path", path, "mime", mime)
	return img, nil
}

func (s *ImageStore) find(id string) (string, error) {
	if info, err := os.Stat(filepath.Join(s.dir, id)); err == nil && !info.IsDir() {
		return filepath.Join(s.dir, id), nil
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, id+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrImageNotFound, id)
}
