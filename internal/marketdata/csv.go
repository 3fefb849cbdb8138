package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoadCSVDir builds a Historical provider from a directory of per-symbol
// CSV files named SYMBOL.csv with a header row and columns
// date,open,high,low,close,volume. Dates are YYYY-MM-DD.
func LoadCSVDir(dir string) (*Historical, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no csv files in %s", dir)
	}
	h := NewHistorical()
	for _, path := range matches {
		symbol := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), ".csv"))
		bars, err := loadCSV(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		h.AddSeries(symbol, bars)
	}
	return h, nil
}

func loadCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	var bars []Bar
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && strings.EqualFold(rec[0], "date") {
			continue
		}
		b, err := parseBar(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars")
	}
	return bars, nil
}

func parseBar(rec []string) (Bar, error) {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(rec[0]))
	if err != nil {
		return Bar{}, err
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return Bar{}, err
		}
		vals[i-1] = v
	}
	return Bar{Date: d, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}, nil
}
