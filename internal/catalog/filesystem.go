package catalog

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemPluginID is the id of the built-in filesystem plugin.
const FilesystemPluginID = "filesystem"

const maxPreviewLines = 200

var errOutsideWorkDir = errors.New("path escapes the working directory")

// Filesystem returns the built-in plugin that lists and previews files under
// the session working directory.
func Filesystem() Plugin {
	return Plugin{
		ID:    FilesystemPluginID,
		Names: []string{"filesystem_list_directory", "filesystem_read_file"},
		Factory: func(tc Context) ([]Tool, error) {
			root := tc.WorkDir
			if root == "" {
				root = "."
			}
			abs, err := filepath.Abs(root)
			if err != nil {
				return nil, err
			}
			return []Tool{
				FuncTool{ToolName: "filesystem_list_directory", Fn: func(ctx context.Context, params map[string]any) (Result, error) {
					return listDirectory(ctx, abs, params)
				}},
				FuncTool{ToolName: "filesystem_read_file", Fn: func(ctx context.Context, params map[string]any) (Result, error) {
					return readFile(ctx, abs, params)
				}},
			}, nil
		},
	}
}

type fileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func listDirectory(_ context.Context, root string, params map[string]any) (Result, error) {
	rel := stringParam(params, "path")
	dir, err := resolveUnder(root, rel)
	if err != nil {
		return ErrorResult("%s: %v", rel, err), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ErrorResult("list %s: %v", rel, err), nil
	}

	files := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		typ := "file"
		if e.IsDir() {
			typ = "directory"
		}
		var size int64
		if info, err := e.Info(); err == nil && !e.IsDir() {
			size = info.Size()
		}
		files = append(files, fileEntry{
			Name: e.Name(),
			Type: typ,
			Path: filepath.ToSlash(filepath.Join(rel, e.Name())),
			Size: size,
		})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Type != files[j].Type {
			return files[i].Type == "directory"
		}
		return files[i].Name < files[j].Name
	})

	return JSONResult(map[string]any{
		"path":  filepath.ToSlash(rel),
		"files": files,
		"total": len(files),
	})
}

func readFile(_ context.Context, root string, params map[string]any) (Result, error) {
	rel := stringParam(params, "path")
	if rel == "" {
		return ErrorResult("path is required"), nil
	}
	path, err := resolveUnder(root, rel)
	if err != nil {
		return ErrorResult("%s: %v", rel, err), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrorResult("open %s: %v", rel, err), nil
	}
	defer f.Close()

	lines := make([]string, 0, 64)
	total := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		total++
		if len(lines) < maxPreviewLines {
			lines = append(lines, sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return ErrorResult("read %s: %v", rel, err), nil
	}

	return JSONResult(map[string]any{
		"path":      filepath.ToSlash(rel),
		"lines":     lines,
		"total":     total,
		"truncated": total > len(lines),
	})
}

func resolveUnder(root, rel string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, joined)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", errOutsideWorkDir
	}
	return joined, nil
}

func stringParam(params map[string]any, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}
