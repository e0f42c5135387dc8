package catalog

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// parseXLSXFile reads the first sheet of an Excel workbook using the same
// header-mapped column scheme as the CSV parser.
func parseXLSXFile(path string) ([]Item, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("%w: %s: workbook has no sheets", ErrSourceUnavailable, path)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s: empty sheet", ErrSourceUnavailable, path)
	}

	cols := headerIndex(rows[0])
	if _, ok := cols[colKind]; !ok {
		return nil, fmt.Errorf("%w: %s: missing %q column", ErrSourceUnavailable, path, colKind)
	}

	var items []Item
	for i, rec := range rows[1:] {
		if blankRecord(rec) {
			continue
		}
		it, err := itemFromRecord(cols, rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: row %d: %v", ErrSourceUnavailable, path, i+2, err)
		}
		items = append(items, it)
	}
	return items, nil
}
