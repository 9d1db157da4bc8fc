package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Workspace is a directory that file operations are confined to. Errors are
// gRPC status errors so they can be returned to callers unchanged.
type Workspace struct {
	Root string
}

// Ensure creates the workspace directory.
func (w Workspace) Ensure() error {
	if w.Root == "" {
		return status.Error(codes.FailedPrecondition, "workspace root is not configured")
	}
	return os.MkdirAll(w.Root, 0o755)
}

// ReadFile returns the contents of a workspace file.
func (w Workspace) ReadFile(requestPath string) ([]byte, error) {
	path, err := w.Resolve(requestPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return data, nil
}

// WriteFileAtomic replaces a workspace file through a temp file and rename.
func (w Workspace) WriteFileAtomic(requestPath string, data []byte, mode os.FileMode) (int64, error) {
	path, err := w.Resolve(requestPath)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, status.Error(codes.Internal, err.Error())
	}
	if mode == 0 {
		mode = 0o644
	}

	tmp, err := os.CreateTemp(dir, ".devbox-write-*")
	if err != nil {
		return 0, status.Error(codes.Internal, err.Error())
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return 0, status.Error(codes.Internal, err.Error())
	}
	n, err := tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		return 0, status.Error(codes.Internal, err.Error())
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, status.Error(codes.Internal, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return 0, status.Error(codes.Internal, err.Error())
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, status.Error(codes.Internal, err.Error())
	}
	return int64(n), nil
}

// Resolve maps a request path onto the workspace. Relative paths are taken
// from the root; absolute paths must already lie inside it.
func (w Workspace) Resolve(requestPath string) (string, error) {
	raw := strings.TrimSpace(requestPath)
	if raw == "" {
		return "", status.Error(codes.InvalidArgument, "path is required")
	}
	if w.Root == "" {
		return "", status.Error(codes.FailedPrecondition, "workspace root is not configured")
	}
	root := filepath.Clean(w.Root)
	var abs string
	if filepath.IsAbs(raw) {
		abs = filepath.Clean(raw)
	} else {
		abs = filepath.Join(root, raw)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	if strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || rel == ".." {
		return "", status.Error(codes.PermissionDenied, fmt.Sprintf("path %q escapes workspace root", raw))
	}
	return abs, nil
}
