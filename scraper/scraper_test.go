package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-scrape-manga/config"
	"github.com/aluiziolira/go-scrape-manga/models"
	"github.com/aluiziolira/go-scrape-manga/parser"
	"github.com/aluiziolira/go-scrape-manga/pipeline"
	"github.com/aluiziolira/go-scrape-manga/session"
	"github.com/aluiziolira/go-scrape-manga/storage"
)

const testBase = "http://example.test"

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "unknown"},
		{name: "restart", err: &session.RestartError{Reason: "x"}, expected: "restart"},
		{name: "download timeout", err: &session.DownloadError{Kind: session.DownloadTimedOut}, expected: "timeout"},
		{name: "download failed", err: &session.DownloadError{Kind: session.DownloadFailed, Err: io.ErrUnexpectedEOF}, expected: "download"},
		{name: "extract", err: &parser.ExtractError{Reason: "no embedded data"}, expected: "extract"},
		{name: "forbidden", err: ErrUnexpectedStatus{Status: http.StatusForbidden}, expected: "forbidden"},
		{name: "not found", err: ErrUnexpectedStatus{Status: http.StatusNotFound}, expected: "not_found"},
		{name: "rate limited", err: ErrUnexpectedStatus{Status: http.StatusTooManyRequests}, expected: "rate_limited"},
		{name: "server error", err: ErrUnexpectedStatus{Status: http.StatusBadGateway}, expected: "http_status"},
		{name: "no response", err: ErrUnexpectedStatus{Err: &session.TransportError{Err: errors.New("refused")}}, expected: "connection"},
		{name: "context timeout", err: context.DeadlineExceeded, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, expected: "connection"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(tt.err); got != tt.expected {
				t.Fatalf("errorTypeLabel(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

type collectingWriter struct {
	mu     sync.Mutex
	assets []*models.Asset
}

func (cw *collectingWriter) Write(assets []*models.Asset) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.assets = append(cw.assets, assets...)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) Count() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.assets)
}

func htmlResponder(body string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	}
}

func frontPage(listings ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="pagination"><span>`)
	for _, href := range listings {
		fmt.Fprintf(&b, `<a href="%s">page</a>`, href)
	}
	b.WriteString(`</span></div><div id="content"></div></body></html>`)
	return b.String()
}

func listingPage(items ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="content">`)
	for _, href := range items {
		fmt.Fprintf(&b, `<div class="content_row"><div class="manga_images"><a href="%s">cover</a></div></div>`, href)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func itemData(title string, assets ...string) string {
	return fmt.Sprintf(`{"meta":{"name":%q},"fullimg":["%s"]}`, title, strings.Join(assets, `","`))
}

func itemPage(data string) string {
	return "<html><body><script>\nvar data = " + data + ";\n\tvar manga = {};\n</script></body></html>"
}

type fixture struct {
	cfg       *config.Config
	transport *httpmock.MockTransport
	store     *storage.Store
	fs        afero.Fs
	client    *session.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.QueryURL = "/search"
	cfg.SaveDir = "/save"
	cfg.SessionFile = "/state/session.tmp"
	cfg.DedupeMaxSize = 64

	fs := afero.NewMemMapFs()
	store := storage.New(fs)
	transport := httpmock.NewMockTransport()
	client := session.NewClient(cfg, store,
		session.WithHTTPClient(&http.Client{Transport: transport}),
		session.WithLogger(discardLogger()),
	)
	return &fixture{cfg: cfg, transport: transport, store: store, fs: fs, client: client}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// registerCatalogue serves a front page linking two listing pages which both
// list the same two items, each with two assets.
func (f *fixture) registerCatalogue() {
	f.transport.RegisterResponder(http.MethodGet, testBase+"/search", htmlResponder(frontPage("/p1", "/p2")))
	listing := htmlResponder(listingPage("/manga/alpha", "/manga/beta"))
	f.transport.RegisterResponder(http.MethodGet, testBase+"/search/p1", listing)
	f.transport.RegisterResponder(http.MethodGet, testBase+"/search/p2", listing)

	for _, name := range []string{"alpha", "beta"} {
		assets := []string{
			testBase + "/img/" + name + "/001.jpg",
			testBase + "/img/" + name + "/002.jpg",
		}
		title := strings.ToUpper(name[:1]) + name[1:]
		f.transport.RegisterResponder(http.MethodGet, testBase+"/online/"+name,
			htmlResponder(itemPage(itemData(title, assets...))))
		for _, asset := range assets {
			f.transport.RegisterResponder(http.MethodGet, asset, httpmock.NewStringResponder(http.StatusOK, "jpeg:"+asset))
		}
	}
}

func TestCrawlDownloadsCatalogue(t *testing.T) {
	f := newFixture(t)
	f.registerCatalogue()

	writer := &collectingWriter{}
	manifest, err := pipeline.NewManifest(writer, 64)
	require.NoError(t, err)

	s, err := NewScraper(f.cfg, f.client, f.store, WithManifest(manifest), WithLogger(discardLogger()))
	require.NoError(t, err)

	result, err := s.Crawl(context.Background())
	require.NoError(t, err)
	require.NoError(t, manifest.Close())

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 3, result.PageCount)
	assert.Equal(t, 2, result.ItemCount)
	assert.Equal(t, 4, result.Downloaded)
	assert.Equal(t, 0, result.ErrorCount)
	assert.Equal(t, 4, writer.Count())

	dirs, err := afero.ReadDir(f.fs, "/save")
	require.NoError(t, err)
	require.Len(t, dirs, 2)

	files := 0
	metadata := 0
	for _, dir := range dirs {
		entries, err := afero.ReadDir(f.fs, "/save/"+dir.Name())
		require.NoError(t, err)
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), "-metadata.json") {
				metadata++
			} else {
				files++
			}
		}
	}
	assert.Equal(t, 2, metadata)
	assert.Equal(t, 4, files)

	raw, err := f.store.ReadFile("/save/Alpha/Alpha-metadata.json")
	require.NoError(t, err)
	assert.Equal(t, itemData("Alpha", testBase+"/img/alpha/001.jpg", testBase+"/img/alpha/002.jpg"), string(raw))

	image, err := f.store.ReadFile("/save/Beta/002.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg:"+testBase+"/img/beta/002.jpg", string(image))

	calls := f.transport.GetCallCountInfo()
	assert.Equal(t, 1, calls["GET "+testBase+"/online/alpha"])
	assert.Equal(t, 1, calls["GET "+testBase+"/online/beta"])
}

func TestCrawlSkipsCompleteAssetsOnSecondPass(t *testing.T) {
	f := newFixture(t)
	f.registerCatalogue()
	f.transport.RegisterResponder(http.MethodHead, `=~^http://example\.test/img/`,
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, "")
			resp.Header.Set("Content-Length", fmt.Sprint(len("jpeg:"+req.URL.String())))
			return resp, nil
		})

	for pass := 0; pass < 2; pass++ {
		s, err := NewScraper(f.cfg, f.client, f.store, WithLogger(discardLogger()))
		require.NoError(t, err)
		result, err := s.Crawl(context.Background())
		require.NoError(t, err)
		if pass == 1 {
			assert.Equal(t, 0, result.Downloaded)
			assert.Equal(t, 4, result.Skipped)
		}
	}

	asset := testBase + "/img/alpha/001.jpg"
	assert.Equal(t, 1, f.transport.GetCallCountInfo()["GET "+asset])
}

func TestCrawlKeepsExistingMetadata(t *testing.T) {
	f := newFixture(t)
	f.registerCatalogue()
	require.NoError(t, f.store.WriteFile("/save/Alpha/Alpha-metadata.json", []byte("hand edited")))

	s, err := NewScraper(f.cfg, f.client, f.store, WithLogger(discardLogger()))
	require.NoError(t, err)
	_, err = s.Crawl(context.Background())
	require.NoError(t, err)

	raw, err := f.store.ReadFile("/save/Alpha/Alpha-metadata.json")
	require.NoError(t, err)
	assert.Equal(t, "hand edited", string(raw))
}

func TestCrawlContainsItemFailures(t *testing.T) {
	f := newFixture(t)
	f.registerCatalogue()
	f.transport.RegisterResponder(http.MethodGet, testBase+"/search/p2",
		htmlResponder(listingPage("/manga/alpha", "/manga/missing", "/manga/broken")))
	f.transport.RegisterResponder(http.MethodGet, testBase+"/online/missing", httpmock.NewStringResponder(http.StatusNotFound, ""))
	f.transport.RegisterResponder(http.MethodGet, testBase+"/online/broken", htmlResponder("<html><body>no data</body></html>"))

	s, err := NewScraper(f.cfg, f.client, f.store, WithLogger(discardLogger()))
	require.NoError(t, err)

	result, err := s.Crawl(context.Background())
	require.Error(t, err)
	assert.Equal(t, session.KindRestart, session.Classify(err))

	var status ErrUnexpectedStatus
	if errors.As(err, &status) {
		assert.Equal(t, http.StatusNotFound, status.Status)
	}

	assert.Equal(t, 2, result.ErrorCount)
	assert.Equal(t, 1, result.ErrorsByType["not_found"])
	assert.Equal(t, 1, result.ErrorsByType["extract"])
	assert.Equal(t, 2, result.ItemCount)
	assert.Equal(t, 4, result.Downloaded)
	assert.Len(t, s.Errors(), 2)
}

func TestCrawlListingDiscoveryFailureDoesNotRestart(t *testing.T) {
	f := newFixture(t)
	f.transport.RegisterResponder(http.MethodGet, testBase+"/search", httpmock.NewStringResponder(http.StatusNotFound, ""))

	s, err := NewScraper(f.cfg, f.client, f.store, WithLogger(discardLogger()))
	require.NoError(t, err)

	result, err := s.Crawl(context.Background())
	require.Error(t, err)
	assert.False(t, session.IsRestart(err))
	assert.Equal(t, session.KindRetryable, session.Classify(err))

	var status ErrUnexpectedStatus
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.Status)
	assert.Equal(t, 0, result.ErrorCount)
	assert.Equal(t, 0, result.PageCount)
}

func TestCrawlListingDiscoveryRestartEscalates(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxTransportErrors = 2
	client := session.NewClient(f.cfg, f.store,
		session.WithHTTPClient(&http.Client{Transport: f.transport}),
		session.WithLogger(discardLogger()),
	)
	f.transport.RegisterResponder(http.MethodGet, testBase+"/search", httpmock.NewErrorResponder(errors.New("connection reset by peer")))

	s, err := NewScraper(f.cfg, client, f.store, WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = s.Crawl(context.Background())
	require.True(t, session.IsRestart(err))
	assert.Equal(t, 4, f.transport.GetTotalCallCount())
}

func TestCrawlRecordsAssetFailures(t *testing.T) {
	f := newFixture(t)
	f.registerCatalogue()
	f.transport.RegisterResponder(http.MethodGet, testBase+"/img/beta/002.jpg",
		func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(failingReader{}),
				Request:    req,
			}, nil
		})

	s, err := NewScraper(f.cfg, f.client, f.store, WithLogger(discardLogger()))
	require.NoError(t, err)

	result, err := s.Crawl(context.Background())
	require.True(t, session.IsRestart(err))
	assert.Equal(t, 3, result.Downloaded)
	assert.Equal(t, 1, result.ErrorsByType["download"])
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("stream reset")
}

func TestErrUnexpectedStatusMessage(t *testing.T) {
	cause := errors.New("connection refused")
	withCause := ErrUnexpectedStatus{URL: "http://example.test/p1", Err: cause}
	assert.Equal(t, "cannot get document http://example.test/p1: connection refused", withCause.Error())
	assert.ErrorIs(t, withCause, cause)

	withStatus := ErrUnexpectedStatus{URL: "http://example.test/p1", Status: http.StatusBadGateway}
	assert.Equal(t, "cannot get document http://example.test/p1: status 502", withStatus.Error())
}
