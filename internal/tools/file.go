package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-autopilot/internal/activity"
)

const maxReadBytes = 100 * 1024

// ReadFileInput is the input for the read_file tool.
type ReadFileInput struct {
	Path string `json:"path"`
}

// ReadFileOutput is the output for the read_file tool.
type ReadFileOutput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileInput is the input for the write_file tool.
type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileOutput is the output for the write_file tool.
type WriteFileOutput struct {
	Written bool   `json:"written"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

const readFileSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "File path, relative to the workspace"}
  },
  "required": ["path"],
  "additionalProperties": false
}`

const writeFileSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "File path, relative to the workspace"},
    "content": {"type": "string", "description": "Full file content"}
  },
  "required": ["path", "content"],
  "additionalProperties": false
}`

// resolvePath maps rawPath into workspace and rejects anything that escapes
// it, including through a symlinked parent directory.
func resolvePath(workspace, rawPath string) (string, error) {
	if strings.TrimSpace(rawPath) == "" {
		return "", fmt.Errorf("empty path")
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if evaluated, err := filepath.EvalSymlinks(root); err == nil {
		root = evaluated
	}

	candidate := rawPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	dir := filepath.Dir(candidate)
	if evaluated, err := filepath.EvalSymlinks(dir); err == nil {
		dir = evaluated
	}
	resolved := filepath.Join(dir, filepath.Base(candidate))

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", rawPath)
	}
	return resolved, nil
}

func registerFileTools(c *Catalog, workspace string) error {
	if err := define(c, ReadFile,
		"Read a text file from the workspace. Maximum 100KB.",
		readFileSchema,
		func(_ context.Context, in ReadFileInput) (ReadFileOutput, error) {
			resolved, err := resolvePath(workspace, in.Path)
			if err != nil {
				return ReadFileOutput{}, err
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return ReadFileOutput{}, fmt.Errorf("stat: %w", err)
			}
			if info.IsDir() {
				return ReadFileOutput{}, fmt.Errorf("path is a directory")
			}
			if info.Size() > maxReadBytes {
				return ReadFileOutput{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return ReadFileOutput{}, fmt.Errorf("read: %w", err)
			}
			return ReadFileOutput{Path: in.Path, Content: string(data), Size: info.Size()}, nil
		},
		func(in ReadFileInput, _ ReadFileOutput, e *activity.Entry) {
			e.File = &activity.FileInfo{Path: in.Path}
		},
	); err != nil {
		return err
	}

	return define(c, WriteFile,
		"Write content to a file in the workspace, creating parent directories as needed.",
		writeFileSchema,
		func(_ context.Context, in WriteFileInput) (WriteFileOutput, error) {
			resolved, err := resolvePath(workspace, in.Path)
			if err != nil {
				return WriteFileOutput{}, err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return WriteFileOutput{}, fmt.Errorf("mkdir: %w", err)
			}
			tmp := resolved + ".tmp"
			if err := os.WriteFile(tmp, []byte(in.Content), 0o644); err != nil {
				return WriteFileOutput{}, fmt.Errorf("write temp: %w", err)
			}
			if err := os.Rename(tmp, resolved); err != nil {
				_ = os.Remove(tmp)
				return WriteFileOutput{}, fmt.Errorf("rename: %w", err)
			}
			return WriteFileOutput{Written: true, Path: in.Path, Size: len(in.Content)}, nil
		},
		func(in WriteFileInput, _ WriteFileOutput, e *activity.Entry) {
			e.File = &activity.FileInfo{
				Path:     in.Path,
				Size:     len(in.Content),
				Language: languageFor(in.Path),
				Preview:  truncateChars(in.Content, maxFilePreviewChars),
			}
		},
	)
}
