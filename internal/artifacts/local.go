package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/journalcraft/journal-crew/pkg/types"
)

// LocalStore keeps artifacts on the local filesystem under root/<job>/<name>
type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Put writes to a temp file in the job directory and renames it into place,
// so readers never observe a partial file.
func (s *LocalStore) Put(ctx context.Context, jobID, name, contentType string, data []byte) (types.Artifact, error) {
	if err := checkName(jobID, name); err != nil {
		return types.Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.Artifact{}, err
	}

	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to create job directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return types.Artifact{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.Artifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to move artifact into place: %w", err)
	}

	return types.Artifact{
		Name:        name,
		Key:         objectKey("", jobID, name),
		ContentType: contentTypeFor(name, contentType),
		Size:        int64(len(data)),
	}, nil
}

func (s *LocalStore) Open(ctx context.Context, jobID, name string) (io.ReadCloser, types.Artifact, error) {
	if err := checkName(jobID, name); err != nil {
		return nil, types.Artifact{}, err
	}

	f, err := os.Open(filepath.Join(s.root, jobID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Artifact{}, ErrNotFound
		}
		return nil, types.Artifact{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, types.Artifact{}, fmt.Errorf("failed to stat artifact: %w", err)
	}

	return f, types.Artifact{
		Name:        name,
		Key:         objectKey("", jobID, name),
		ContentType: contentTypeFor(name, ""),
		Size:        info.Size(),
	}, nil
}

func (s *LocalStore) Stat(ctx context.Context, jobID, name string) (types.Artifact, error) {
	if err := checkName(jobID, name); err != nil {
		return types.Artifact{}, err
	}

	info, err := os.Stat(filepath.Join(s.root, jobID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.Artifact{}, ErrNotFound
		}
		return types.Artifact{}, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return types.Artifact{
		Name:        name,
		Key:         objectKey("", jobID, name),
		ContentType: contentTypeFor(name, ""),
		Size:        info.Size(),
	}, nil
}
