package source

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadUniverse(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		want    []string
		wantErr error
	}{
		{
			name:    "csv symbol column",
			file:    "nifty.csv",
			content: "Company Name,Industry,Symbol,Series\nInfosys,IT,INFY.NS,EQ\nTCS,IT,TCS.NS,EQ\nInfosys,IT,INFY.NS,EQ\nBlank,IT,,EQ\n",
			want:    []string{"INFY.NS", "TCS.NS"},
		},
		{
			name:    "yaml list",
			file:    "u.yaml",
			content: "- MSFT\n- AAPL\n- MSFT\n",
			want:    []string{"AAPL", "MSFT"},
		},
		{
			name:    "yaml mapping",
			file:    "u.yml",
			content: "symbols:\n  - ETHUSDT\n  - BTCUSDT\n",
			want:    []string{"BTCUSDT", "ETHUSDT"},
		},
		{
			name:    "empty",
			file:    "empty.csv",
			content: "Symbol\n",
			wantErr: ErrEmptyUniverse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			got, err := LoadUniverse(path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	writeFile(t, filepath.Join(dir, "nosym.csv"), "Name\nfoo\n")
	_, err := LoadUniverse(filepath.Join(dir, "nosym.csv"))
	assert.Error(t, err)

	_, err = LoadUniverse(filepath.Join(dir, "absent.csv"))
	assert.Error(t, err)
}
