package featuretable

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mbd888/sybilscan/internal/features"
)

// AddressColumn is the header of the key column.
const AddressColumn = "address"

// LoadCSV reads a feature table from a CSV file.
func LoadCSV(path string) (*Memory, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open feature table: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadCSV(f)
}

// ReadCSV parses a feature table. The header must contain an "address"
// column; schema columns are matched by name, other columns are ignored and
// schema columns absent from the header read as 0. Empty or unparsable cells
// read as 0. For duplicate addresses the first row wins.
func ReadCSV(r io.Reader) (*Memory, Stats, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, Stats{}, errors.New("feature table is empty")
		}
		return nil, Stats{}, fmt.Errorf("read feature table header: %w", err)
	}

	addrCol := -1
	cols := make(map[int]int) // csv column -> schema position
	present := make(map[string]bool)
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if strings.EqualFold(h, AddressColumn) {
			addrCol = i
			continue
		}
		if idx, ok := features.IndexOf(h); ok {
			cols[i] = idx
			present[h] = true
		}
	}
	if addrCol < 0 {
		return nil, Stats{}, fmt.Errorf("feature table has no %q column", AddressColumn)
	}

	var st Stats
	for _, n := range features.Names {
		if !present[n] {
			st.MissingFields = append(st.MissingFields, n)
		}
	}

	m := &Memory{rows: make(map[string]features.Vector)}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, Stats{}, fmt.Errorf("feature table line %d: %w", line, err)
		}
		if addrCol >= len(rec) || strings.TrimSpace(rec[addrCol]) == "" {
			st.InvalidCells++
			continue
		}

		var vals [features.NumFeatures]float64
		for i, idx := range cols {
			if i >= len(rec) {
				continue
			}
			cell := strings.TrimSpace(rec[i])
			if cell == "" {
				continue
			}
			x, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				st.InvalidCells++
				continue
			}
			vals[idx] = x
		}

		if m.add(rec[addrCol], features.FromValues(vals)) {
			st.Rows++
		} else {
			st.Duplicates++
		}
	}
	return m, st, nil
}
