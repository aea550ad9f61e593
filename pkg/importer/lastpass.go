package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// LastPassParser parses LastPass CSV export files:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names (header-based parsing).
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
)

// secureNoteURL marks LastPass secure notes.
const secureNoteURL = "http://sn"

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data.
func (p *LastPassParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := &ImportResult{
		Records:  make([]*ImportedRecord, 0),
		Warnings: make([]string, 0),
		Skipped:  make([]SkippedItem, 0),
	}

	// Strip UTF-8 BOM if present
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex[lpColName]; !ok {
		return nil, fmt.Errorf("missing required column: %s", lpColName)
	}

	itemCounter := 1

	rowNum := 1 // header is row 1
	for {
		rowNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: failed to parse: %v", rowNum, err))
			continue
		}

		if len(row) != len(header) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)",
					rowNum, len(header), len(row)))
			continue
		}

		record, skip := p.parseRow(row, colIndex, opts, &itemCounter)
		if skip != "" {
			result.Skipped = append(result.Skipped, SkippedItem{
				OriginalName: row[colIndex[lpColName]],
				Reason:       skip,
			})
			continue
		}
		result.Records = append(result.Records, record)
	}

	DeduplicateItems(result.Records)

	return result, nil
}

// parseRow maps one CSV row to a record. The password is the value; a
// secure note keeps its text as the value instead.
func (p *LastPassParser) parseRow(row []string, colIndex map[string]int, opts ParseOptions, itemCounter *int) (*ImportedRecord, string) {
	getValue := func(col string) string {
		if idx, ok := colIndex[col]; ok && idx < len(row) {
			return DecodeHTMLEntities(strings.TrimSpace(row[idx]))
		}
		return ""
	}

	name := getValue(lpColName)
	url := getValue(lpColURL)
	username := getValue(lpColUsername)
	password := getValue(lpColPassword)
	totp := getValue(lpColTOTP)
	extra := getValue(lpColExtra)
	grouping := getValue(lpColGrouping)

	if username == "" && password == "" && totp == "" && extra == "" {
		return nil, "no useful data"
	}

	var value string
	var note *string
	if url == secureNoteURL {
		url = ""
		value = extra
		note = buildNote([]field{{"username", username}, {"password", password}, {"totp", totp}}, "")
	} else {
		value = password
		note = buildNote([]field{{"username", username}, {"url", url}, {"totp", totp}}, extra)
	}

	return newRecord(grouping, name, url, value, note, opts, itemCounter), ""
}
