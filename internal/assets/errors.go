package assets

import (
	"fmt"
	"strings"
)

// ManifestNotFoundError occurs when the manifest file cannot be read.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when the manifest is not valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when a manifest field is missing or malformed.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// DownloadError occurs when the archive cannot be retrieved.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to download '%s': %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to download '%s': HTTP %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// NoMatchError occurs when the archive holds no file under the expected
// directory with the expected extension.
type NoMatchError struct {
	ArchiveDir string
	Extension  string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no '.%s' file under '%s' in archive", e.Extension, e.ArchiveDir)
}

// AmbiguousMatchError occurs when more than one archive entry matches.
type AmbiguousMatchError struct {
	Matches []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("archive holds %d matching files: %s",
		len(e.Matches), strings.Join(e.Matches, ", "))
}

// ChecksumError occurs when the extracted file does not match the pinned digest.
type ChecksumError struct {
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("sha256 mismatch: want %s, got %s", e.Want, e.Got)
}
