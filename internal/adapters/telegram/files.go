package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dentalor/lorbot/internal/ports"
)

// File resolves a file id to its download path.
func (c *Client) File(ctx context.Context, fileID string) (ports.FileInfo, error) {
	var f file
	if err := c.send(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return ports.FileInfo{}, err
	}
	if f.FilePath == "" {
		return ports.FileInfo{}, fmt.Errorf("telegram: getFile %s: no file path", fileID)
	}
	return ports.FileInfo{FileID: f.FileID, Size: f.FileSize, Path: f.FilePath}, nil
}

// Download streams the file content to w.
func (c *Client) Download(ctx context.Context, info ports.FileInfo, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()

	url := c.cfg.APIURL + "/file/bot" + c.cfg.Token + "/" + info.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return c.scrub(fmt.Errorf("create request: %w", err))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return c.scrub(fmt.Errorf("download %s: %w", info.FileID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", info.FileID, resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", info.FileID, err)
	}
	return nil
}
