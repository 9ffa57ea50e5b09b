package player

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// IsRemote reports whether location is an http(s) URL.
func IsRemote(location string) bool {
	u, err := url.Parse(location)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// CachePath is the file a remote location is downloaded to. The name is
// stable per URL so restarts reuse the download.
func CachePath(dir, location string) string {
	ext := ".mp3"
	if u, err := url.Parse(location); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" {
			ext = e
		}
	}
	return filepath.Join(dir, uuid.NewSHA1(uuid.NameSpaceURL, []byte(location)).String()+ext)
}

// Fetch downloads location into dir unless a complete copy is already there,
// and returns the local path.
func Fetch(ctx context.Context, client *http.Client, dir, location string) (string, error) {
	dst := CachePath(dir, location)
	if fi, err := os.Stat(dst); err == nil && fi.Size() > 0 {
		slog.Debug("media cache hit", "path", dst)
		return dst, nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download media: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store media: %w", err)
	}
	slog.Info("media downloaded", "url", location, "bytes", n, "path", dst)
	return dst, nil
}
