package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aluiziolira/go-scrape-manga/models"
)

var assetNamePattern = regexp.MustCompile(`.*/(.*\.jpg)$`)

// AssetFileName is the name an asset is stored under: the trailing .jpg path
// segment, or the whole URL escaped into one segment.
func AssetFileName(href string) string {
	if m := assetNamePattern.FindStringSubmatch(href); m != nil && m[1] != "" {
		return m[1]
	}
	return url.PathEscape(href)
}

// DownloadImage stores href under dir. An existing file whose size matches the
// remote Content-Length is skipped. When the probe or the GET yields no usable
// response the asset is reported unavailable without error. Only a
// *RestartError or a *DownloadError is ever returned.
func (c *Client) DownloadImage(ctx context.Context, href, dir string) (*models.Asset, error) {
	path := filepath.Join(dir, AssetFileName(href))
	asset := &models.Asset{URL: href, Path: path}
	log := c.logger.With(slog.String("url", href))

	if info, err := c.store.Stat(path); err == nil {
		resp, err := c.Head(ctx, href)
		if err != nil {
			if IsRestart(err) {
				return nil, err
			}
			log.Warn("size probe failed", slog.Any("error", err))
			return c.finish(asset, models.AssetUnavailable), nil
		}
		resp.Body.Close()
		if !isOK(resp) {
			log.Warn("size probe rejected", slog.Int("status", resp.StatusCode))
			return c.finish(asset, models.AssetUnavailable), nil
		}
		if remoteLength(resp) == info.Size() {
			log.Debug("skipping already downloaded image", slog.String("path", path))
			asset.Bytes = info.Size()
			return c.finish(asset, models.AssetSkipped), nil
		}
	}

	log.Info("downloading file", slog.String("path", path))
	resp, err := c.Request(ctx, http.MethodGet, href)
	if err != nil {
		if IsRestart(err) {
			return nil, err
		}
		log.Warn("download request failed", slog.Any("error", err))
		return c.finish(asset, models.AssetUnavailable), nil
	}
	defer resp.Body.Close()
	if !isOK(resp) {
		log.Warn("download rejected", slog.Int("status", resp.StatusCode))
		return c.finish(asset, models.AssetUnavailable), nil
	}

	n, err := c.stream(resp.Body, path, href)
	if err != nil {
		log.Warn("download failed", slog.Any("error", err))
		return nil, err
	}

	asset.Bytes = n
	asset.DownloadedAt = time.Now()
	c.metrics.AddBytes(n)
	log.Info("downloaded file", slog.String("path", path), slog.String("size", humanize.Bytes(uint64(n))))
	return c.finish(asset, models.AssetDownloaded), nil
}

func (c *Client) finish(asset *models.Asset, status models.AssetStatus) *models.Asset {
	asset.Status = status
	c.metrics.IncAsset(string(status))
	return asset
}

// stream copies body into path. The download timeout starts once the file is
// open; when it fires the body is closed, which aborts the copy.
func (c *Client) stream(body io.ReadCloser, path, href string) (int64, error) {
	f, err := c.store.Create(path)
	if err != nil {
		return 0, &DownloadError{Kind: DownloadFailed, URL: href, Err: err}
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.cfg.DownloadTimeout, func() {
		timedOut.Store(true)
		body.Close()
	})
	n, copyErr := io.Copy(f, body)
	timer.Stop()
	closeErr := f.Close()

	switch {
	case timedOut.Load() && copyErr != nil:
		return n, &DownloadError{Kind: DownloadTimedOut, URL: href, Err: copyErr}
	case copyErr != nil:
		return n, &DownloadError{Kind: DownloadFailed, URL: href, Err: copyErr}
	case closeErr != nil:
		return n, &DownloadError{Kind: DownloadFailed, URL: href, Err: closeErr}
	}
	return n, nil
}

func isOK(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func remoteLength(resp *http.Response) int64 {
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return resp.ContentLength
}
