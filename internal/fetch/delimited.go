package fetch

import (
	"encoding/csv"
	"strings"

	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// parseDelimited parses CSV or TSV text into rows keyed by the header line.
// The delimiter is sniffed from the header: a tab anywhere in the first line
// selects TSV, otherwise comma.
func parseDelimited(body string) (types.Rows, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, errEmptyBody
	}

	delimiter := ','
	if firstLine, _, _ := strings.Cut(trimmed, "\n"); strings.ContainsRune(firstLine, '\t') {
		delimiter = '\t'
	}

	reader := csv.NewReader(strings.NewReader(trimmed))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errEmptyBody
	}

	header := records[0]
	rows := make(types.Rows, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
