package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFilterEmpty(t *testing.T) {
	f, err := BuildFilter(nil, nil, "")
	require.NoError(t, err)
	assert.Empty(t, f)
}

func TestBuildFilterGroups(t *testing.T) {
	f, err := BuildFilter([]string{"pdf", "email"}, []int64{3, 7}, "/evidence/case-1")
	require.NoError(t, err)
	assert.Equal(t,
		`(file_type = "pdf" OR file_type = "email") AND (scan_id = 3 OR scan_id = 7) AND file_path STARTS WITH "/evidence/case-1"`,
		f)
}

func TestBuildFilterSingleValues(t *testing.T) {
	f, err := BuildFilter([]string{"pdf"}, []int64{3}, "")
	require.NoError(t, err)
	assert.Equal(t, `file_type = "pdf" AND scan_id = 3`, f)
}

func TestBuildFilterEscapesQuotes(t *testing.T) {
	// A crafted value trying to close the string and add its own clause
	// must stay inside the quoted literal.
	f, err := BuildFilter([]string{`pdf" OR scan_id != "0`}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, `file_type = "pdf\" OR scan_id != \"0"`, f)

	f, err = BuildFilter(nil, nil, `/evidence" OR file_type = "pdf`)
	require.NoError(t, err)
	assert.Equal(t, `file_path STARTS WITH "/evidence\" OR file_type = \"pdf"`, f)
}

func TestBuildFilterEscapesBackslashes(t *testing.T) {
	f, err := BuildFilter([]string{`a\"b`}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, `file_type = "a\\\"b"`, f)
}

func TestBuildFilterRejectsControlCharacters(t *testing.T) {
	_, err := BuildFilter([]string{"pdf\nfile_path = \"x\""}, nil, "")
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = BuildFilter(nil, nil, "/evidence\r\n")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestBuildFilterRejectsNegativeScanID(t *testing.T) {
	_, err := BuildFilter(nil, []int64{-1}, "")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestParseScanIDs(t *testing.T) {
	ids, err := ParseScanIDs([]string{"1", " 42 ", ""})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, ids)
}

func TestParseScanIDsRejectsInjection(t *testing.T) {
	for _, raw := range []string{`1 OR file_type = "pdf"`, "abc", "1.5", "1;2"} {
		_, err := ParseScanIDs([]string{raw})
		assert.ErrorIs(t, err, ErrInvalidFilter, raw)
	}
}
