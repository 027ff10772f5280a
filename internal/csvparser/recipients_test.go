package csvparser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipientRows_EmailColumn(t *testing.T) {
	in := "Name, EMAIL ,Company\nAda,ada@example.com,Engines\nBob,not-an-address,X\nCy, cy@example.com ,Z\nAda,ada@example.com,Engines\n"
	rows, err := ParseRecipientRows(strings.NewReader(in), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"ada@example.com", "cy@example.com", "ada@example.com"}, Emails(rows))
}

func TestParseRecipientRows_FallsBackToFirstColumn(t *testing.T) {
	in := "address,note\nx@example.com,hi\ny@example.com\n"
	rows, err := ParseRecipientRows(strings.NewReader(in), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x@example.com", "y@example.com"}, Emails(rows))
}

func TestParseRecipientRows_MaxRows(t *testing.T) {
	in := "email\na@example.com\nb@example.com\nc@example.com\n"
	rows, err := ParseRecipientRows(strings.NewReader(in), 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestParseRecipientRows_Errors(t *testing.T) {
	_, err := ParseRecipientRows(strings.NewReader(""), 0)
	assert.Error(t, err)

	_, err = ParseRecipientRows(strings.NewReader("email\nnobody\n"), 0)
	assert.Error(t, err)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.csv")
	require.NoError(t, os.WriteFile(path, []byte("\ufeffEmail\na@example.com\n"), 0o600))

	emails, err := ParseFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, emails)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.csv"), 0)
	assert.Error(t, err)
}
