package infra

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"orderbook_go/internal/domain"
)

// IconDownloader handles downloading and caching instrument icons
type IconDownloader struct {
	basePath string
	baseURL  string
	size     int
	client   *http.Client
}

// NewIconDownloader creates an IconDownloader storing icons in the per-user
// assets directory.
func NewIconDownloader(cfg *Config) (*IconDownloader, error) {
	path, err := getAssetsPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assets path: %w", err)
	}
	return NewIconDownloaderAt(path, cfg.Icons.BaseURL, cfg.Icons.Size)
}

// NewIconDownloaderAt creates an IconDownloader rooted at basePath.
// Icons are fetched from baseURL/<symbol>.png and resized to size x size.
func NewIconDownloaderAt(basePath, baseURL string, size int) (*IconDownloader, error) {
	// Ensure directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}

	// Optimize HTTP Transport to prevent connection leaks
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 20
	transport.MaxConnsPerHost = 5
	transport.IdleConnTimeout = 30 * time.Second

	return &IconDownloader{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
		size:     size,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}, nil
}

// BasePath is the directory icons are written to.
func (d *IconDownloader) BasePath() string {
	return d.basePath
}

// DownloadIcon downloads the icon for a symbol if it isn't cached yet and
// returns the local file path.
func (d *IconDownloader) DownloadIcon(ctx context.Context, symbol string) (string, error) {
	// Security: Sanitize symbol to prevent path traversal
	safeSymbol := sanitizeSymbol(symbol)
	if safeSymbol == "" {
		return "", fmt.Errorf("invalid symbol: %q", symbol)
	}

	filePath := d.GetIconPath(safeSymbol)

	// Check if exists
	if _, err := os.Stat(filePath); err == nil {
		return filePath, nil // Cache hit
	}

	url := fmt.Sprintf("%s/%s.png", d.baseURL, strings.ToLower(safeSymbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", domain.NewNetworkError("icon download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	// Lanczos keeps small icons sharp
	resizedImg := imaging.Resize(srcImg, d.size, d.size, imaging.Lanczos)

	// Write to a temp file first so a crash never leaves a truncated icon
	tmpPath := filePath + ".tmp.png"
	if err := imaging.Save(resizedImg, tmpPath); err != nil {
		return "", fmt.Errorf("failed to save resized image: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move icon into place: %w", err)
	}

	return filePath, nil
}

// GetIconPath returns the local path for a symbol's icon
func (d *IconDownloader) GetIconPath(symbol string) string {
	return filepath.Join(d.basePath, strings.ToLower(sanitizeSymbol(symbol))+".png")
}

func getAssetsPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "OrderbookGo", "assets", "icons"), nil
}

func sanitizeSymbol(symbol string) string {
	res := make([]rune, 0, len(symbol))
	for _, r := range symbol {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			res = append(res, r)
		}
	}
	return string(res)
}
