package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gocolly/colly/v2"
)

// Login posts the configured form to the base URL, persists the returned
// Set-Cookie lines to the session file and makes them the current cookie set.
func (c *Client) Login(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.UserAgent(c.cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.WithTransport(c.transport())
	collector.SetRequestTimeout(c.cfg.RequestTimeout)
	collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	var (
		status     int
		setCookies = []string{}
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		if r.Headers != nil {
			setCookies = append(setCookies, r.Headers.Values("Set-Cookie")...)
		}
	})

	form := make(map[string][]byte, len(c.cfg.LoginForm))
	for k, v := range c.cfg.LoginForm {
		form[k] = []byte(v)
	}

	c.logger.Info("logging in", slog.String("url", c.cfg.BaseURL))
	if err := collector.PostMultipart(c.cfg.BaseURL, form); err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	if status >= http.StatusBadRequest {
		return nil, fmt.Errorf("login rejected with status %d", status)
	}

	payload, err := json.Marshal(setCookies)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := c.store.WriteFile(c.cfg.SessionFile, payload); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	c.setCookies(setCookies)

	c.logger.Info("logged in", slog.Int("cookies", len(setCookies)))
	return setCookies, nil
}

// Initialize restores the persisted session, logging in when there is none,
// and runs onReady. If onReady fails the session is renewed and onReady runs
// exactly once more; its second error is returned.
func (c *Client) Initialize(ctx context.Context, onReady func(context.Context) error) error {
	if err := c.restore(); err != nil {
		c.logger.Info("no usable session, logging in", slog.Any("error", err))
		if _, err := c.Login(ctx); err != nil {
			return err
		}
	}

	err := onReady(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	c.logger.Warn("session rejected, logging in again", slog.Any("error", err))
	if _, err := c.Login(ctx); err != nil {
		return err
	}
	return onReady(ctx)
}

// Clear removes the session file. A missing file is not an error.
func (c *Client) Clear() error {
	err := c.store.Remove(c.cfg.SessionFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) && c.store.Exists(c.cfg.SessionFile) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Reset drops the in-memory cookies and the transport failure record.
func (c *Client) Reset() {
	c.mu.Lock()
	c.cookies = map[string]string{}
	c.mu.Unlock()
	c.failures.reset()
}

func (c *Client) restore() error {
	data, err := c.store.ReadFile(c.cfg.SessionFile)
	if err != nil {
		return err
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("decode session file: %w", err)
	}
	c.setCookies(lines)
	return nil
}

func (c *Client) setCookies(lines []string) {
	cookies := make(map[string]string, len(lines))
	for _, line := range lines {
		parsed, err := http.ParseSetCookie(line)
		if err != nil {
			c.logger.Debug("ignoring malformed cookie", slog.String("cookie", line), slog.Any("error", err))
			continue
		}
		cookies[parsed.Name] = parsed.Value
	}

	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
}

func (c *Client) transport() http.RoundTripper {
	if c.http.Transport != nil {
		return c.http.Transport
	}
	return http.DefaultTransport
}
