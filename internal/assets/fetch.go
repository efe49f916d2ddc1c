package assets

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Fetcher downloads a release archive and extracts the guest binary.
type Fetcher struct {
	client *http.Client
	logger *zap.Logger
}

// NewFetcher creates a fetcher. A nil client selects http.DefaultClient.
func NewFetcher(client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client: client,
		logger: logger.With(zap.String("component", "asset-fetch")),
	}
}

// Fetch downloads m.URL and writes the single matching archive entry to
// destDir/m.File. The destination is replaced atomically and only when
// exactly one entry matches.
func (f *Fetcher) Fetch(ctx context.Context, m *Manifest, destDir string) (string, error) {
	f.logger.Info("Downloading guest archive",
		zap.String("release", m.Release),
		zap.String("url", m.URL),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return "", &DownloadError{URL: m.URL, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", &DownloadError{URL: m.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DownloadError{URL: m.URL, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destDir, err)
	}
	tmp, err := os.CreateTemp(destDir, "."+m.File+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	digest, match, err := f.extract(resp.Body, m, tmp)
	if err != nil {
		return "", err
	}

	if m.SHA256 != "" && !strings.EqualFold(m.SHA256, digest) {
		return "", &ChecksumError{Want: m.SHA256, Got: digest}
	}

	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to flush %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}

	dest := filepath.Join(destDir, m.File)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to install %s: %w", dest, err)
	}
	committed = true

	f.logger.Info("Guest binary installed",
		zap.String("entry", match),
		zap.String("path", dest),
		zap.String("sha256", digest),
	)
	return dest, nil
}

// extract scans the whole archive, copying the first match to w and
// failing if a second one appears.
func (f *Fetcher) extract(r io.Reader, m *Manifest, w io.Writer) (digest, match string, err error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", "", &DownloadError{URL: m.URL, Err: fmt.Errorf("not a gzip stream: %w", err)}
	}
	defer gz.Close()

	h := sha256.New()
	var matches []string

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", &DownloadError{URL: m.URL, Err: fmt.Errorf("corrupt archive: %w", err)}
		}
		if hdr.Typeflag != tar.TypeReg || !m.Matches(hdr.Name) {
			continue
		}

		matches = append(matches, hdr.Name)
		if len(matches) > 1 {
			continue
		}
		f.logger.Debug("Found guest binary in archive", zap.String("entry", hdr.Name), zap.Int64("size", hdr.Size))
		if _, err := io.Copy(io.MultiWriter(w, h), tr); err != nil {
			return "", "", fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
	}

	switch len(matches) {
	case 0:
		return "", "", &NoMatchError{ArchiveDir: m.ArchiveDir, Extension: m.Extension}
	case 1:
		return hex.EncodeToString(h.Sum(nil)), matches[0], nil
	default:
		return "", "", &AmbiguousMatchError{Matches: matches}
	}
}
