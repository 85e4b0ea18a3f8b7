// Package local archives result payloads on the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the filesystem archive.
type Config struct {
	// BaseDir is the root directory payloads are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Hasher digests payloads so identical rewrites can be skipped.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Archive writes payloads below BaseDir and returns file:// URIs.
type Archive struct {
	baseDir string
	hasher  Hasher
}

// New validates BaseDir, creating it if needed, and checks it is writable.
func New(cfg Config, hasher Hasher) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	info, err := os.Stat(base)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(base, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(base, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &Archive{baseDir: base, hasher: hasher}, nil
}

// PutObject stores the payload at path. An existing file with the same digest
// is left untouched.
func (a *Archive) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	full, err := a.resolve(path)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	uri := "file://" + full

	same, err := a.sameContent(full, body)
	if err != nil {
		return "", err
	}
	if same {
		return uri, nil
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("publish payload: %w", err)
	}
	return uri, nil
}

func (a *Archive) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(a.baseDir, filepath.FromSlash(path))
	rel, err := filepath.Rel(a.baseDir, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("path %q escapes the archive root", path)
	}
	return full, nil
}

func (a *Archive) sameContent(full string, body []byte) (bool, error) {
	// #nosec G304 -- full is confined to baseDir by resolve.
	existing, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read existing payload: %w", err)
	}
	want, err := a.hasher.Hash(body)
	if err != nil {
		return false, fmt.Errorf("hash payload: %w", err)
	}
	have, err := a.hasher.Hash(existing)
	if err != nil {
		return false, fmt.Errorf("hash existing payload: %w", err)
	}
	return want == have, nil
}
