package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-manga/models"
)

const (
	paginationSelector = "#pagination > span a"
	rowSelector        = ".content_row"
	itemLinkSelector   = ".manga_images > a:first-child"
)

var (
	embeddedDataPattern = regexp.MustCompile(`(?i)data\s*=\s*(\{.+\})\s*;\s*var manga`)
	itemPathPattern     = regexp.MustCompile(`(?i)/manga/`)
)

// ParseDocument parses an HTML page.
func ParseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// PaginationLinks returns the hrefs of the listing page links.
func PaginationLinks(doc *goquery.Document) []string {
	return hrefs(doc.Find(paginationSelector))
}

// ItemLinks returns the href of the first image link of every content row.
func ItemLinks(doc *goquery.Document) []string {
	var links []string
	doc.Find("#content").Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		links = append(links, hrefs(row.Find(itemLinkSelector))...)
	})
	return links
}

func hrefs(sel *goquery.Selection) []string {
	out := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			out = append(out, href)
		}
	})
	return out
}

// NormalizeItemPath points an item link at its reader page.
func NormalizeItemPath(href string) string {
	loc := itemPathPattern.FindStringIndex(href)
	if loc == nil {
		return href
	}
	return href[:loc[0]] + "/online/" + href[loc[1]:]
}

// ExtractError describes why an item page had no usable embedded data.
type ExtractError struct {
	Reason string
	Err    error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract item: %s: %v", e.Reason, e.Err)
	}
	return "extract item: " + e.Reason
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

type embeddedItem struct {
	Meta struct {
		Name string `json:"name"`
	} `json:"meta"`
	FullImg []string `json:"fullimg"`
}

// ExtractItem decodes the item data object assigned in the page's inline
// script. Item.Raw holds the exact text that was decoded.
func ExtractItem(page []byte) (*models.Item, error) {
	doc, err := ParseDocument(page)
	if err != nil {
		return nil, &ExtractError{Reason: "unreadable page", Err: err}
	}
	body, err := doc.Find("body").Html()
	if err != nil {
		return nil, &ExtractError{Reason: "unreadable body", Err: err}
	}
	return extractFromMarkup(body)
}

func extractFromMarkup(markup string) (*models.Item, error) {
	markup = strings.NewReplacer("\r", "", "\n", "", "\t", " ").Replace(markup)

	m := embeddedDataPattern.FindStringSubmatch(markup)
	if m == nil {
		return nil, &ExtractError{Reason: "no embedded data"}
	}
	raw := strings.ReplaceAll(m[1], ",]", "]")
	raw = strings.ReplaceAll(raw, `\'`, `'`)

	var data embeddedItem
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, &ExtractError{Reason: "malformed data", Err: err}
	}
	if strings.TrimSpace(data.Meta.Name) == "" {
		return nil, &ExtractError{Reason: "missing title"}
	}

	return &models.Item{
		Title:  data.Meta.Name,
		Assets: data.FullImg,
		Raw:    []byte(raw),
	}, nil
}

// SafeName turns a title into a single path component.
func SafeName(title string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(strings.TrimSpace(title))
	switch name {
	case "", ".", "..":
		return "_"
	}
	return name
}
