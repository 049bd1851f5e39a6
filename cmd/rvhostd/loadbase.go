package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/ehrlich-b/rvhost/internal/overlay"
)

// fetchBaseTar is the supervisor.LoadBaseFunc used in production: it
// reads a file:// URL straight off disk, or fetches any other scheme
// over HTTP(S), the way `wt update` pulls a release asset.
func fetchBaseTar(ctx context.Context, rawURL string) (*overlay.Tar, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rootfsUrl %q: %w", rawURL, err)
	}

	if u.Scheme == "" || u.Scheme == "file" {
		path := u.Path
		if path == "" {
			path = rawURL
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open base rootfs %s: %w", path, err)
		}
		defer f.Close()
		return overlay.ParseTar(f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch base rootfs %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch base rootfs %s: %s", rawURL, resp.Status)
	}
	return overlay.ParseTar(resp.Body)
}
