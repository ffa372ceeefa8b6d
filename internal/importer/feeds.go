package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"cti-watch/monitor/internal/models"
	"cti-watch/monitor/internal/storage"
)

// Importer loads feed definitions from a CSV file into storage.
type Importer struct {
	store *storage.Repository
}

// NewImporter creates a new feed importer
func NewImporter(store *storage.Repository) *Importer {
	return &Importer{store: store}
}

// ImportFeeds imports feeds from a local CSV file. Rows that fail to parse
// or collide with an existing feed URL are skipped and reported, not fatal.
func (i *Importer) ImportFeeds(ctx context.Context, csvPath string) error {
	log.Info().Str("csv", csvPath).Msg("Starting feed import")

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	if err := i.parseAndImportFeeds(ctx, f); err != nil {
		return fmt.Errorf("failed to import feeds: %w", err)
	}

	log.Info().Msg("Import completed successfully")
	return nil
}

func (i *Importer) parseAndImportFeeds(ctx context.Context, csvData io.Reader) error {
	reader := csv.NewReader(csvData)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return err
	}

	log.Debug().Strs("header", header).Msg("CSV header read")

	nameIdx := findColumnIndex(header, "name")
	urlIdx := findColumnIndex(header, "url")
	categoryIdx := findColumnIndex(header, "category")
	activeIdx := findColumnIndex(header, "active")

	if nameIdx < 0 || urlIdx < 0 {
		return fmt.Errorf("required columns 'name' and 'url' not found in CSV header")
	}

	lineCount := 1 // Header was already read
	successCount := 0
	var importErrors []string

	for {
		lineCount++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("line", lineCount).Msg("Error reading CSV line")
			importErrors = append(importErrors, fmt.Sprintf("line %d: %v", lineCount, err))
			continue
		}

		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}

		feed := models.NewFeed()
		feed.Name = safeGetValue(record, nameIdx)
		feed.URL = safeGetValue(record, urlIdx)
		if category := safeGetValue(record, categoryIdx); category != "" {
			feed.Category = category
		}
		if active := safeGetValue(record, activeIdx); active != "" {
			parsed, err := strconv.ParseBool(active)
			if err != nil {
				importErrors = append(importErrors, fmt.Sprintf("line %d: invalid 'active' value %q", lineCount, active))
				continue
			}
			feed.Active = parsed
		}

		if feed.Name == "" || feed.URL == "" {
			log.Warn().Int("line", lineCount).Msg("Skipping row with empty name or URL")
			importErrors = append(importErrors, fmt.Sprintf("line %d: empty name or URL", lineCount))
			continue
		}

		logger := log.With().
			Int("line", lineCount).
			Str("name", feed.Name).
			Str("url", feed.URL).
			Logger()

		if err := i.store.InsertFeed(ctx, feed); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				logger.Warn().Msg("Duplicate URL")
				importErrors = append(importErrors, fmt.Sprintf("line %d: duplicate URL: %s", lineCount, feed.URL))
			} else {
				logger.Error().Err(err).Msg("Failed to insert feed")
				importErrors = append(importErrors, fmt.Sprintf("line %d: %v", lineCount, err))
			}
			continue
		}

		successCount++
		logger.Debug().Msg("Feed inserted")
	}

	log.Info().
		Int("total", lineCount-1).
		Int("success", successCount).
		Int("errors", len(importErrors)).
		Msg("Import summary")

	fmt.Printf("Imported %d feeds successfully\n", successCount)
	if len(importErrors) > 0 {
		fmt.Printf("Encountered %d errors:\n", len(importErrors))
		for _, e := range importErrors {
			fmt.Printf("  - %s\n", e)
		}
	}

	return nil
}

func findColumnIndex(header []string, columnName string) int {
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), columnName) {
			return i
		}
	}
	return -1
}

// safeGetValue returns the trimmed value at index, or "" when out of bounds.
func safeGetValue(record []string, index int) string {
	if index >= 0 && index < len(record) {
		return strings.TrimSpace(record[index])
	}
	return ""
}
