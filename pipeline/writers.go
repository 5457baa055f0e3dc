package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/aluiziolira/go-scrape-manga/models"
	"github.com/aluiziolira/go-scrape-manga/storage"
)

var csvHeader = []string{"item", "url", "path", "bytes", "status", "downloaded_at"}

// CSVWriter appends records to a CSV manifest.
type CSVWriter struct {
	file   afero.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter opens filename for appending and writes the header row when
// the file is new.
func NewCSVWriter(store *storage.Store, filename string) (*CSVWriter, error) {
	f, created, err := store.OpenAppend(filename)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if created {
		if err := writer.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends assets to the CSV output.
func (cw *CSVWriter) Write(assets []*models.Asset) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, asset := range assets {
		downloadedAt := ""
		if !asset.DownloadedAt.IsZero() {
			downloadedAt = asset.DownloadedAt.Format(time.RFC3339)
		}
		record := []string{
			asset.Item,
			asset.URL,
			asset.Path,
			strconv.FormatInt(asset.Bytes, 10),
			string(asset.Status),
			downloadedAt,
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter appends newline-delimited JSON records.
type JSONWriter struct {
	file    afero.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter opens filename for appending.
func NewJSONWriter(store *storage.Store, filename string) (*JSONWriter, error) {
	f, _, err := store.OpenAppend(filename)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends assets in JSONL format.
func (jw *JSONWriter) Write(assets []*models.Asset) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, asset := range assets {
		if err := jw.encoder.Encode(asset); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

// NewWriter builds the writer for format ("csv", "json" or "dual") at base.
// base is used as given for a single format; dual appends .csv and .jsonl.
func NewWriter(store *storage.Store, format, base string) (OutputWriter, error) {
	switch format {
	case "csv":
		return NewCSVWriter(store, base)
	case "json":
		return NewJSONWriter(store, base)
	case "dual":
		return NewDualWriter(store, base+".csv", base+".jsonl")
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
}
