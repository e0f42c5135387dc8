package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	kit "funnelbot/internal/transport"
)

// column names expected in the header row, in any order.
const (
	colKind       = "media_type"
	colContent    = "content"
	colFileURL    = "file_url"
	colDelay      = "delay_minutes"
	colPayButton  = "pay_button"
	colNextButton = "next_button"
)

func parseCSVFile(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()
	items, err := parseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	return items, nil
}

func parseCSV(r io.Reader) ([]Item, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, err
	}
	cols := headerIndex(header)
	if _, ok := cols[colKind]; !ok {
		return nil, fmt.Errorf("missing %q column", colKind)
	}

	var items []Item
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		if blankRecord(rec) {
			continue
		}
		it, err := itemFromRecord(cols, rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func headerIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func itemFromRecord(cols map[string]int, rec []string) (Item, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	it := Item{
		Kind:           kit.ContentKind(strings.ToLower(field(colKind))),
		Body:           field(colContent),
		MediaRef:       field(colFileURL),
		ShowPayButton:  parseBool(field(colPayButton)),
		ShowNextButton: parseBool(field(colNextButton)),
	}
	if it.Kind == "" {
		return Item{}, fmt.Errorf("empty %s", colKind)
	}
	if raw := field(colDelay); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Item{}, fmt.Errorf("bad %s %q", colDelay, raw)
		}
		it.DelayMinutes = n
	}
	return it, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "+":
		return true
	}
	return false
}
