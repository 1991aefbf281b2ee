package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jllopis/kyrax/pkg/core"
)

func (c *config) files(ctx context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
	switch cmd.Intent() {
	case "take_note":
		return c.takeNote(ctx, cmd)
	case "open_file":
		return c.openFile(ctx, cmd)
	case "delete_file":
		return c.deleteFile(cmd)
	}
	return core.Fail(core.CodeNoHandler, fmt.Sprintf("files cannot handle %q", cmd.Intent())), nil
}

func (c *config) takeNote(_ context.Context, cmd core.Command) (core.SkillResult, error) {
	text := entityText(cmd, "text")
	if text == "" {
		return missing("text"), nil
	}
	name := entityText(cmd, "filename")
	if name == "" {
		name = "notes.txt"
	}
	path, err := c.within(name)
	if err != nil {
		return core.Fail(core.CodeHandlerError, err.Error()), nil
	}
	data := map[string]any{"file_path": path, "text": text, "dry_run": c.dryRun}
	if c.dryRun {
		return core.OK(describe("Note saved to "+path, true), data), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("create note dir: %v", err)), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("open note file: %v", err)), nil
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", c.now().UTC().Format("2006-01-02 15:04:05"), text)
	if _, err := f.WriteString(line); err != nil {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("write note: %v", err)), nil
	}
	return core.OK("Note saved to "+path, data), nil
}

func (c *config) openFile(ctx context.Context, cmd core.Command) (core.SkillResult, error) {
	raw := entityText(cmd, "path")
	if raw == "" {
		return missing("path"), nil
	}
	path := c.resolve(raw)
	data := map[string]any{"file_path": path, "dry_run": c.dryRun}
	if c.dryRun {
		return core.OK(describe("Opened "+path, true), data), nil
	}
	if _, err := os.Stat(path); err != nil {
		return notFound(path, err), nil
	}
	if c.backend != nil {
		if err := c.backend.Run(ctx, "open_file", map[string]any{"path": path}); err != nil {
			return core.Fail(core.CodeHandlerError, fmt.Sprintf("open_file failed: %v", err)), nil
		}
	}
	return core.OK("Opened "+path, data), nil
}

func (c *config) deleteFile(cmd core.Command) (core.SkillResult, error) {
	raw := entityText(cmd, "path")
	if raw == "" {
		return missing("path"), nil
	}
	path := c.resolve(raw)
	data := map[string]any{"file_path": path, "dry_run": c.dryRun}
	if c.dryRun {
		return core.OK(describe("Deleted "+path, true), data), nil
	}
	if err := os.Remove(path); err != nil {
		return notFound(path, err), nil
	}
	return core.OK("Deleted "+path, data), nil
}

func notFound(path string, err error) core.SkillResult {
	if errors.Is(err, fs.ErrNotExist) {
		return core.NewResult(false, "file not found: "+path, map[string]any{"file_path": path}, core.CodeNotFound)
	}
	return core.NewResult(false, err.Error(), map[string]any{"file_path": path}, core.CodeHandlerError)
}

// resolve anchors relative paths at the base directory.
func (c *config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.baseDir, p)
}

// within resolves name under the base directory and rejects escapes.
func (c *config) within(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("file name %q must be relative", name)
	}
	path := filepath.Join(c.baseDir, name)
	rel, err := filepath.Rel(c.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes %s", name, c.baseDir)
	}
	return path, nil
}
