// Package assets fetches the guest binary named by a release manifest.
package assets

import (
	"encoding/hex"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes where the guest binary comes from.
type Manifest struct {
	// Release identifier, informational.
	Release string `yaml:"release"`
	// Archive download URL (a .tar.gz).
	URL string `yaml:"url"`
	// Directory prefix inside the archive holding the binary.
	ArchiveDir string `yaml:"archive_dir"`
	// Extension of the binary, without the dot.
	Extension string `yaml:"extension"`
	// Output file name.
	File string `yaml:"file"`
	// Optional hex sha256 of the extracted binary.
	SHA256 string `yaml:"sha256"`

	path string
}

// ParseManifest reads and validates the manifest at path.
func ParseManifest(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &ManifestNotFoundError{Path: p, Err: err}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{Path: p, Err: err}
	}
	m.path = p

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest fields and normalizes the extension.
func (m *Manifest) Validate() error {
	invalid := func(field, msg string) error {
		return &ManifestValidationError{Path: m.path, Field: field, Message: msg}
	}

	if m.Release == "" {
		return invalid("release", "release is required")
	}
	if m.URL == "" {
		return invalid("url", "url is required")
	}
	u, err := url.Parse(m.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("url", "url must be an absolute http(s) URL")
	}
	if m.ArchiveDir == "" {
		return invalid("archive_dir", "archive_dir is required")
	}
	m.Extension = strings.TrimPrefix(m.Extension, ".")
	if m.Extension == "" {
		return invalid("extension", "extension is required")
	}
	if m.File == "" {
		return invalid("file", "file is required")
	}
	if filepath.Base(m.File) != m.File {
		return invalid("file", "file must be a bare file name")
	}
	if m.SHA256 != "" {
		if b, err := hex.DecodeString(m.SHA256); err != nil || len(b) != 32 {
			return invalid("sha256", "sha256 must be 64 hex digits")
		}
	}
	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return m.path
}

// Matches reports whether an archive entry name is the guest binary.
func (m *Manifest) Matches(name string) bool {
	dir := path.Clean(m.ArchiveDir)
	name = path.Clean(name)
	if dir != "." && !strings.HasPrefix(name, dir+"/") {
		return false
	}
	return path.Ext(name) == "."+m.Extension
}
