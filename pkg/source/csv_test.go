package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func januaryPeriod(t *testing.T) Period {
	p, err := ParseDates("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	return p
}

func TestCSVSource_Directory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "AAA.csv"), "Date,Open,Close,Adj Close\n"+
		"2024-01-03,1,10.5,10.4\n"+
		"2024-01-02,1,10,9.9\n"+
		"2024-01-04,1,,\n"+
		"2024-02-01,1,12,12\n")
	writeFile(t, filepath.Join(dir, "BBB.csv"), "timestamp,price\n"+
		"1704153600,20\n"+
		"1704240000,21\n")
	writeFile(t, filepath.Join(dir, "BAD.csv"), "Date,Close\n2024-01-02,-1\n")

	src := NewCSVSource(dir, zaptest.NewLogger(t))
	assert.Equal(t, "csv", src.Name())

	got, err := src.Fetch(context.Background(), []string{"AAA", "BBB", "BAD", "MISSING"}, januaryPeriod(t))
	require.NoError(t, err)
	require.Len(t, got, 2)

	// adjusted close preferred, rows sorted, blank and out-of-window rows dropped
	assert.Equal(t, []float64{9.9, 10.4}, got["AAA"].Prices())
	first, _ := got["AAA"].Range()
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), first)

	assert.Equal(t, []float64{20, 21}, got["BBB"].Prices())
}

func TestCSVSource_WideFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closes.csv")
	writeFile(t, path, "Date,AAA,BBB\n"+
		"2024-01-02,10,20\n"+
		"2024-01-03,11,\n"+
		"2024-01-04,12,22\n")

	got, err := NewCSVSource(path, nil).Fetch(context.Background(), []string{"BBB", "AAA", "CCC"}, januaryPeriod(t))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float64{10, 11, 12}, got["AAA"].Prices())
	assert.Equal(t, []float64{20, 22}, got["BBB"].Prices())
}

func TestCSVSource_MissingPath(t *testing.T) {
	t.Parallel()
	_, err := NewCSVSource(filepath.Join(t.TempDir(), "nope"), nil).Fetch(context.Background(), []string{"A"}, januaryPeriod(t))
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	t.Parallel()
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, v := range []string{"2024-01-02", "2024-01-02 00:00:00", "2024-01-02T00:00:00Z", "1704153600", "1704153600000", "1704153600000000000"} {
		got, err := parseTime(v)
		require.NoError(t, err, v)
		assert.Equal(t, want, got, v)
	}
	_, err := parseTime("soon")
	assert.Error(t, err)
}
