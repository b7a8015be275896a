// Package artifacts stores the files rendered for a journal job.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/journalcraft/journal-crew/pkg/types"
)

var (
	// ErrNotFound is returned when an artifact does not exist
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidName is returned for names that are not a plain file name
	ErrInvalidName = errors.New("invalid artifact name")
)

// Store persists job artifacts
type Store interface {
	// Put writes data as jobID/name, replacing any previous artifact of that name
	Put(ctx context.Context, jobID, name, contentType string, data []byte) (types.Artifact, error)

	// Open returns a reader for the artifact. The caller closes it.
	Open(ctx context.Context, jobID, name string) (io.ReadCloser, types.Artifact, error)

	// Stat returns the artifact's metadata without reading it
	Stat(ctx context.Context, jobID, name string) (types.Artifact, error)
}

// checkName rejects anything that could escape the job's directory
func checkName(jobID, name string) error {
	for _, part := range []string{jobID, name} {
		if part == "" || part == "." || part == ".." ||
			strings.ContainsAny(part, `/\`) || strings.ContainsRune(part, 0) {
			return fmt.Errorf("%w: %q", ErrInvalidName, part)
		}
	}
	return nil
}

func objectKey(prefix, jobID, name string) string {
	return prefix + path.Join(jobID, name)
}

// contentTypeFor falls back to the extension, then to octet-stream
func contentTypeFor(name, contentType string) string {
	if contentType != "" {
		return contentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	switch filepath.Ext(name) {
	case ".epub":
		return "application/epub+zip"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}
