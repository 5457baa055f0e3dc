package pipeline

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/aluiziolira/go-scrape-manga/models"
	"github.com/aluiziolira/go-scrape-manga/storage"
)

func fixedAsset() *models.Asset {
	return &models.Asset{
		Item:         "Some Title",
		URL:          "http://img.test/a/001.jpg",
		Path:         "/save/Some Title/001.jpg",
		Bytes:        2048,
		Status:       models.AssetDownloaded,
		DownloadedAt: time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC),
	}
}

func readCSV(t *testing.T, store *storage.Store, path string) [][]string {
	t.Helper()
	data, err := store.ReadFile(path)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return records
}

func TestCSVWriterWrite(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	path := "/out/manifest.csv"

	writer, err := NewCSVWriter(store, path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Write([]*models.Asset{fixedAsset()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	records := readCSV(t, store, path)
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0][0] != "item" || records[0][1] != "url" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	want := []string{"Some Title", "http://img.test/a/001.jpg", "/save/Some Title/001.jpg", "2048", "downloaded", "2025-11-04T13:09:13Z"}
	for i, v := range want {
		if records[1][i] != v {
			t.Fatalf("record[%d]=%q, want %q", i, records[1][i], v)
		}
	}
}

func TestCSVWriterAppendsAcrossRuns(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	path := "/out/manifest.csv"

	for run := 0; run < 2; run++ {
		writer, err := NewCSVWriter(store, path)
		if err != nil {
			t.Fatalf("create csv writer: %v", err)
		}
		if err := writer.Write([]*models.Asset{fixedAsset()}); err != nil {
			t.Fatalf("write csv: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("close csv: %v", err)
		}
	}

	records := readCSV(t, store, path)
	if len(records) != 3 {
		t.Fatalf("records=%d, want header plus 2 rows", len(records))
	}
}

func TestJSONWriterWrite(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	path := "/out/manifest.jsonl"

	writer, err := NewJSONWriter(store, path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := writer.Write([]*models.Asset{fixedAsset(), fixedAsset()}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	data, err := store.ReadFile(path)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		var decoded models.Asset
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if decoded.Status != models.AssetDownloaded || decoded.Bytes != 2048 {
			t.Fatalf("unexpected record: %+v", decoded)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if count != 2 {
		t.Fatalf("json lines=%d, want 2", count)
	}
}

func TestDualWriterWrite(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())

	writer, err := NewWriter(store, "dual", "/out/manifest")
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}
	if err := writer.Write([]*models.Asset{fixedAsset()}); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	for _, path := range []string{"/out/manifest.csv", "/out/manifest.jsonl"} {
		if info, err := store.Stat(path); err != nil || info.Size() == 0 {
			t.Fatalf("%s missing or empty", path)
		}
	}
}

func TestNewWriterUnknownFormat(t *testing.T) {
	if _, err := NewWriter(storage.New(afero.NewMemMapFs()), "xml", "/out/manifest"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
