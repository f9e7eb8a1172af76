package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// Workspace subdirectories.
const (
	RawDir    = "raw"
	CalibDir  = "calib"
	OutputDir = "output"
)

// TempWorkspaceFactory creates workspaces as temporary directories under Root
// holding symlinks to the ingested files.
type TempWorkspaceFactory struct {
	Root   string
	Logger *zap.Logger
}

// NewWorkspace creates a fresh workspace directory.
func (f TempWorkspaceFactory) NewWorkspace(_ context.Context) (Workspace, error) {
	if f.Root != "" {
		if err := os.MkdirAll(f.Root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(f.Root, "workspace-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	for _, sub := range []string{RawDir, CalibDir, OutputDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Created workspace", zap.String("dir", dir))
	return &tempWorkspace{dir: dir, logger: logger}, nil
}

type tempWorkspace struct {
	dir    string
	logger *zap.Logger
}

func (w *tempWorkspace) Dir() string { return w.dir }

func (w *tempWorkspace) IngestRaw(ctx context.Context, files []string) error {
	return w.link(ctx, filepath.Join(w.dir, RawDir), files)
}

func (w *tempWorkspace) IngestCalibs(ctx context.Context, datasetType string, files []string) error {
	dir := filepath.Join(w.dir, CalibDir, datasetType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ingest %s calibs: %w", datasetType, err)
	}
	return w.link(ctx, dir, files)
}

func (w *tempWorkspace) RawPath(file string) string {
	return filepath.Join(w.dir, RawDir, StagedName(file))
}

func (w *tempWorkspace) CalibPath(datasetType, file string) string {
	return filepath.Join(w.dir, CalibDir, datasetType, StagedName(file))
}

// StagedName is the name a file is staged under in a workspace: the base
// name prefixed with a hash of the absolute path, so files of different
// cameras sharing a base name do not collide.
func StagedName(file string) string {
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = filepath.Clean(file)
	}
	return fmt.Sprintf("%016x_%s", xxh3.HashString(abs), filepath.Base(abs))
}

func (w *tempWorkspace) Close() error {
	w.logger.Debug("Removing workspace", zap.String("dir", w.dir))
	return os.RemoveAll(w.dir)
}

// link symlinks files into dir. Linking the same file twice is a no-op.
func (w *tempWorkspace) link(ctx context.Context, dir string, files []string) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, StagedName(abs))
		if target, err := os.Readlink(dst); err == nil && target == abs {
			continue
		}
		if err := os.Symlink(abs, dst); err != nil {
			return fmt.Errorf("ingest %s: %w", f, err)
		}
	}
	return nil
}
