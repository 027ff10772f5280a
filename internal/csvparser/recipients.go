package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

const DefaultMaxRows = 10000

// RecipientRow represents a single recipient extracted from a CSV.
type RecipientRow struct {
	Email string
}

// ParseRecipientRows parses a CSV with a header row. The address comes from
// the "Email" column (case-insensitive) or, if there is none, the first
// column. Rows whose address has no "@" are skipped.
//
// maxRows limits how many recipients are returned.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, err
	}

	emailIdx := 0
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows := make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if emailIdx >= len(record) {
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if !strings.Contains(email, "@") {
			continue
		}

		rows = append(rows, RecipientRow{Email: email})
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one recipient")
	}

	return rows, nil
}

// Emails returns the addresses of rows in file order. Duplicates are kept.
func Emails(rows []RecipientRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Email
	}
	return out
}
