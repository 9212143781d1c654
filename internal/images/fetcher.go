package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/vanshpatel03/snapera2.0/internal/models"
)

// DefaultMaxBytes caps a single photo.
const DefaultMaxBytes = 10 << 20

var (
	// ErrTooLarge is returned when a photo exceeds the size cap.
	ErrTooLarge = errors.New("image too large")
	// ErrNotImage is returned when the payload does not sniff as an image.
	ErrNotImage = errors.New("not an image")
)

// Fetcher retrieves photos from local files or http(s) URLs.
type Fetcher struct {
	HTTPClient *http.Client
	MaxBytes   int64
}

// NewFetcher creates a new photo fetcher
func NewFetcher(maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		MaxBytes: maxBytes,
	}
}

// Load reads src, which is either an http(s) URL or a local file path.
func (f *Fetcher) Load(ctx context.Context, src string) (models.Media, error) {
	if u, err := url.Parse(src); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return f.Fetch(ctx, src)
	}

	file, err := os.Open(src)
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to open photo: %w", err)
	}
	defer file.Close()
	return f.Read(file)
}

// Fetch downloads a photo from an http(s) URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (models.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Media{}, fmt.Errorf("invalid image URL: %w", err)
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Media{}, fmt.Errorf("image URL returned status %d", resp.StatusCode)
	}
	return f.Read(resp.Body)
}

// Read consumes r up to the size cap and verifies the bytes are an image.
func (f *Fetcher) Read(r io.Reader) (models.Media, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.MaxBytes+1))
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > f.MaxBytes {
		return models.Media{}, fmt.Errorf("%w (max %d bytes)", ErrTooLarge, f.MaxBytes)
	}
	mimeType, err := Sniff(data)
	if err != nil {
		return models.Media{}, err
	}
	return models.Media{Data: data, MIMEType: mimeType}, nil
}

// Sniff returns the image MIME type of data, or ErrNotImage.
func Sniff(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrNotImage)
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("%w: detected %s", ErrNotImage, mimeType)
	}
	return mimeType, nil
}
