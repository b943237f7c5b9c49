package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyUniverse is returned when a universe file names no symbols
var ErrEmptyUniverse = errors.New("universe has no symbols")

// LoadUniverse reads the symbol list from a CSV file with a Symbol column,
// or from YAML (a plain list, or a mapping with a symbols key).
// The result is deduplicated and sorted.
func LoadUniverse(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe: %w", err)
	}
	defer f.Close()

	var symbols []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		symbols, err = readUniverseYAML(f)
	default:
		symbols, err = readUniverseCSV(f)
	}
	if err != nil {
		return nil, fmt.Errorf("universe %s: %w", path, err)
	}

	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyUniverse, path)
	}
	return symbols, nil
}

func readUniverseCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	col := findColumn(header, []string{"symbol", "ticker"})
	if col < 0 {
		return nil, fmt.Errorf("no Symbol column in %v", header)
	}

	var out []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if col < len(record) {
			out = append(out, record[col])
		}
	}
	return out, nil
}

type universeDoc struct {
	Symbols []string `yaml:"symbols"`
}

func readUniverseYAML(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc universeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Symbols, nil
}
