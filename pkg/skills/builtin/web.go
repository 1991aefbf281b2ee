package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/jllopis/kyrax/pkg/core"
)

const searchURL = "https://www.google.com/search?q="

func (c *config) web(ctx context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
	switch cmd.Intent() {
	case "search_web":
		query := entityText(cmd, "query")
		if query == "" {
			return missing("query"), nil
		}
		u := searchURL + url.QueryEscape(query)
		data := map[string]any{"query": query, "url": u, "dry_run": c.dryRun || c.backend == nil}
		if !c.dryRun && c.backend != nil {
			if err := c.backend.Run(ctx, "open_url", map[string]any{"url": u}); err != nil {
				return core.Fail(core.CodeHandlerError, fmt.Sprintf("browser_search failed: %v", err)), nil
			}
		}
		return core.OK("Searched the web for "+query, data), nil
	case "download_file":
		return c.download(ctx, cmd)
	}
	return core.Fail(core.CodeNoHandler, fmt.Sprintf("web cannot handle %q", cmd.Intent())), nil
}

func (c *config) download(ctx context.Context, cmd core.Command) (core.SkillResult, error) {
	raw := entityText(cmd, "url")
	if raw == "" {
		return missing("url"), nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return core.NewResult(false, fmt.Sprintf("invalid download url %q", raw), map[string]any{"url": raw}, core.CodeHandlerError), nil
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	dest := filepath.Join(c.baseDir, "downloads", name)
	data := map[string]any{"url": raw, "file_path": dest, "dry_run": c.dryRun}
	if c.dryRun {
		return core.OK(describe("Downloaded "+name, true), data), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return core.Fail(core.CodeHandlerError, err.Error()), nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return core.NewResult(false, fmt.Sprintf("download failed: %v", err), map[string]any{"url": raw}, core.CodeHandlerError), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return core.NewResult(false, "remote file not found", map[string]any{"url": raw}, core.CodeNotFound), nil
	}
	if resp.StatusCode >= 300 {
		return core.NewResult(false, fmt.Sprintf("download failed: %s", resp.Status), map[string]any{"url": raw}, core.CodeHandlerError), nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("create download dir: %v", err)), nil
	}
	f, err := os.Create(dest)
	if err != nil {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("create download file: %v", err)), nil
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return core.Fail(core.CodeHandlerError, fmt.Sprintf("write download: %v", err)), nil
	}
	data["bytes"] = n
	return core.OK("Downloaded "+name, data), nil
}
