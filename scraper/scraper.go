// Package scraper walks the listing pages of the catalogue and downloads the
// assets of every item it finds.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-manga/config"
	"github.com/aluiziolira/go-scrape-manga/metrics"
	"github.com/aluiziolira/go-scrape-manga/models"
	"github.com/aluiziolira/go-scrape-manga/parser"
	"github.com/aluiziolira/go-scrape-manga/pipeline"
	"github.com/aluiziolira/go-scrape-manga/session"
	"github.com/aluiziolira/go-scrape-manga/storage"
	"github.com/aluiziolira/go-scrape-manga/tasks"
)

// Session is the transport the scraper fetches through.
type Session interface {
	Request(ctx context.Context, method, rawURL string) (*http.Response, error)
	DownloadImage(ctx context.Context, href, dir string) (*models.Asset, error)
}

// Scraper runs one crawl pass. Its error list lives as long as the instance,
// so a fresh Scraper is built for every pass.
type Scraper struct {
	cfg      *config.Config
	session  Session
	store    *storage.Store
	manifest *pipeline.Manifest
	metrics  *metrics.Metrics
	logger   *slog.Logger

	seen *lru.Cache[string, struct{}]

	pageCount int64

	mu           sync.Mutex
	errs         []error
	errorsByType map[string]int
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithManifest records every stored or skipped asset in m.
func WithManifest(m *pipeline.Manifest) Option {
	return func(s *Scraper) {
		s.manifest = m
	}
}

// WithMetrics records crawl metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scraper) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scraper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config, sess Session, store *storage.Store, opts ...Option) (*Scraper, error) {
	seen, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("item dedupe cache: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		session:      sess,
		store:        store,
		logger:       slog.Default(),
		seen:         seen,
		errorsByType: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Crawl downloads the items of the front page and of every listing page it
// links to. Failures are contained per page, item and asset; if any were
// recorded the crawl ends with a *session.RestartError wrapping the first.
// When the listing pages cannot be discovered at all the error is returned
// as is and only a restart request from the session escalates. The result
// is returned either way.
func (s *Scraper) Crawl(ctx context.Context) (*models.CrawlResult, error) {
	result := &models.CrawlResult{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
	log := s.logger.With(slog.String("run_id", result.RunID))
	log.Info("crawl started", slog.String("url", s.cfg.QueryEndpoint()))

	front, err := s.DownloadFromPage(ctx, "")
	if err != nil {
		log.Warn("unable to download from front page", slog.Any("error", err))
	}
	for _, item := range front {
		result.Add(item)
	}

	listings, err := s.discoverListings(ctx)
	if err != nil {
		s.finish(result)
		log.Warn("unable to discover listing pages", slog.Any("error", err))
		return result, fmt.Errorf("discover listing pages: %w", err)
	}
	log.Info("listing pages discovered", slog.Int("pages", len(listings)))

	thunks := make([]tasks.Thunk[[]models.ItemResult], 0, len(listings))
	for _, listing := range listings {
		thunks = append(thunks, func(ctx context.Context) []models.ItemResult {
			items, err := s.downloadListing(ctx, listing)
			if err != nil {
				s.recordError(err)
				log.Warn("listing page failed", slog.String("url", listing), slog.Any("error", err))
				return nil
			}
			return items
		})
	}
	for _, items := range tasks.Chunkify(ctx, thunks, s.cfg.GroupSize) {
		for _, item := range items {
			result.Add(item)
		}
	}

	errs := s.finish(result)

	log.Info("crawl finished",
		slog.Int("pages", result.PageCount),
		slog.Int("items", result.ItemCount),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.ErrorCount),
		slog.Duration("elapsed", result.EndTime.Sub(result.StartTime)),
	)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if len(errs) > 0 {
		return result, &session.RestartError{
			Reason: fmt.Sprintf("%d crawl errors", len(errs)),
			Err:    errs[0],
		}
	}
	return result, nil
}

// finish stamps the end time, page count and recorded errors on result.
func (s *Scraper) finish(result *models.CrawlResult) []error {
	result.EndTime = time.Now()
	result.PageCount = int(atomic.LoadInt64(&s.pageCount))
	errs, byType := s.snapshotErrors()
	result.ErrorCount = len(errs)
	result.ErrorsByType = byType
	return errs
}

func (s *Scraper) discoverListings(ctx context.Context) ([]string, error) {
	page, err := s.fetchDocument(ctx, s.cfg.QueryEndpoint())
	if err != nil {
		return nil, err
	}
	doc, err := parser.ParseDocument(page)
	if err != nil {
		return nil, err
	}
	links := parser.PaginationLinks(doc)
	listings := make([]string, 0, len(links))
	for _, href := range links {
		listings = append(listings, s.cfg.ListingURL(href))
	}
	return listings, nil
}

// DownloadFromPage fetches the listing page href (relative to the query
// endpoint; "" is the front page) and downloads every item on it.
func (s *Scraper) DownloadFromPage(ctx context.Context, href string) ([]models.ItemResult, error) {
	return s.downloadListing(ctx, s.cfg.ListingURL(href))
}

func (s *Scraper) downloadListing(ctx context.Context, pageURL string) ([]models.ItemResult, error) {
	s.logger.Info("fetching page", slog.String("url", pageURL))
	page, err := s.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := parser.ParseDocument(page)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&s.pageCount, 1)

	links := parser.ItemLinks(doc)
	thunks := make([]tasks.Thunk[models.ItemResult], 0, len(links))
	for _, link := range links {
		itemURL := parser.NormalizeItemPath(s.cfg.ItemURL(link))
		thunks = append(thunks, func(ctx context.Context) models.ItemResult {
			return s.DownloadItem(ctx, itemURL)
		})
	}
	return tasks.Chunkify(ctx, thunks, s.cfg.GroupSize), nil
}

// DownloadItem stores the metadata and assets of one item page. It never
// fails: problems are recorded and yield an empty or partial result.
func (s *Scraper) DownloadItem(ctx context.Context, itemURL string) models.ItemResult {
	result := models.ItemResult{URL: itemURL}
	if found, _ := s.seen.ContainsOrAdd(itemURL, struct{}{}); found {
		s.logger.Debug("item already handled", slog.String("url", itemURL))
		return result
	}

	log := s.logger.With(slog.String("url", itemURL))
	log.Info("fetching item")
	page, err := s.fetchDocument(ctx, itemURL)
	if err != nil {
		s.recordError(err)
		log.Warn("item page failed", slog.Any("error", err))
		return result
	}
	item, err := parser.ExtractItem(page)
	if err != nil {
		s.recordError(err)
		log.Warn("item data unreadable", slog.Any("error", err))
		return result
	}

	name := parser.SafeName(item.Title)
	dir := filepath.Join(s.cfg.SaveDir, name)
	if err := s.store.MkdirAll(dir); err != nil {
		s.recordError(err)
		log.Warn("cannot create item directory", slog.String("dir", dir), slog.Any("error", err))
		return result
	}
	s.writeMetadata(log, filepath.Join(dir, name+"-metadata.json"), item.Raw)
	s.metrics.IncItems()

	result.Title = item.Title
	result.Dir = dir

	thunks := make([]tasks.Thunk[*models.Asset], 0, len(item.Assets))
	for _, href := range item.Assets {
		thunks = append(thunks, func(ctx context.Context) *models.Asset {
			asset, err := s.session.DownloadImage(ctx, href, dir)
			if err != nil {
				s.recordError(err)
				log.Warn("asset failed", slog.String("asset", href), slog.Any("error", err))
				return nil
			}
			asset.Item = item.Title
			return asset
		})
	}
	for _, asset := range tasks.Chunkify(ctx, thunks, s.cfg.GroupSize) {
		if asset == nil {
			continue
		}
		result.Assets = append(result.Assets, asset)
		if asset.Status != models.AssetUnavailable {
			s.toManifest(asset)
		}
	}
	return result
}

func (s *Scraper) writeMetadata(log *slog.Logger, path string, raw []byte) {
	if s.store.Exists(path) {
		return
	}
	if err := s.store.WriteFile(path, raw); err != nil {
		log.Warn("unable to save metadata", slog.String("path", path), slog.Any("error", err))
	}
}

func (s *Scraper) toManifest(asset *models.Asset) {
	if s.manifest == nil {
		return
	}
	if err := s.manifest.Record(asset); err != nil {
		s.logger.Error("manifest record error", slog.Any("error", err))
	}
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := s.session.Request(ctx, http.MethodGet, pageURL)
	if err != nil {
		if session.IsRestart(err) {
			return nil, err
		}
		return nil, ErrUnexpectedStatus{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrUnexpectedStatus{URL: pageURL, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}
	return body, nil
}

func (s *Scraper) recordError(err error) {
	label := errorTypeLabel(err)
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.errorsByType[label]++
	s.mu.Unlock()
	s.metrics.IncError(label)
}

// Errors returns the failures recorded so far.
func (s *Scraper) Errors() []error {
	errs, _ := s.snapshotErrors()
	return errs
}

func (s *Scraper) snapshotErrors() ([]error, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]error, len(s.errs))
	copy(errs, s.errs)
	byType := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		byType[k] = v
	}
	return errs, byType
}
