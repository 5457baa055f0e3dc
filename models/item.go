// Package models defines data structures for the crawler.
package models

import "time"

// Item is the metadata embedded in an item page.
type Item struct {
	Title  string
	Assets []string
	// Raw is the normalized JSON text the item was decoded from.
	Raw []byte
}

// AssetStatus describes what DownloadImage did with an asset.
type AssetStatus string

const (
	AssetDownloaded  AssetStatus = "downloaded"
	AssetSkipped     AssetStatus = "skipped"
	AssetUnavailable AssetStatus = "unavailable"
)

// Asset is one image belonging to an item.
type Asset struct {
	Item         string      `csv:"item" json:"item"`
	URL          string      `csv:"url" json:"url"`
	Path         string      `csv:"path" json:"path"`
	Bytes        int64       `csv:"bytes" json:"bytes"`
	Status       AssetStatus `csv:"status" json:"status"`
	DownloadedAt time.Time   `csv:"downloaded_at" json:"downloaded_at"`
}

// ItemResult is what processing one item page produced.
type ItemResult struct {
	URL    string
	Title  string
	Dir    string
	Assets []*Asset
}

// CrawlResult holds the overall result of one crawl pass.
type CrawlResult struct {
	RunID        string
	StartTime    time.Time
	EndTime      time.Time
	PageCount    int
	ItemCount    int
	Downloaded   int
	Skipped      int
	Unavailable  int
	Bytes        int64
	ErrorCount   int
	ErrorsByType map[string]int
}

// Add folds one item's outcome into the totals.
func (r *CrawlResult) Add(item ItemResult) {
	if item.Title == "" {
		return
	}
	r.ItemCount++
	for _, asset := range item.Assets {
		if asset == nil {
			continue
		}
		switch asset.Status {
		case AssetDownloaded:
			r.Downloaded++
			r.Bytes += asset.Bytes
		case AssetSkipped:
			r.Skipped++
		case AssetUnavailable:
			r.Unavailable++
		}
	}
}
