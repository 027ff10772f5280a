package csvparser

import (
	"fmt"
	"os"
)

// ParseFile reads the recipient addresses from a CSV file.
func ParseFile(path string, maxRows int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := ParseRecipientRows(f, maxRows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return Emails(rows), nil
}
