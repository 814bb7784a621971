package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aldas/go-vehicle-telemetry/internal/config"
	"github.com/aldas/go-vehicle-telemetry/metric"
)

var csvHeader = []string{"time_ms", "metric", "value", "unit", "age_ms", "stale"}

// dumper periodically prints written metrics as text lines or CSV rows.
type dumper struct {
	store    *metric.Store
	format   string
	prefixes []string
	now      func() time.Time

	out io.Writer
	// fileName is CSV file rows are appended to instead of out
	fileName      string
	headerWritten bool
}

func newDumper(store *metric.Store, format string, prefixes []string) *dumper {
	return &dumper{
		store:    store,
		format:   format,
		prefixes: prefixes,
		now:      time.Now,
		out:      os.Stdout,
	}
}

func (d *dumper) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return d.dump()
		case <-ticker.C:
			if err := d.dump(); err != nil {
				return err
			}
		}
	}
}

func (d *dumper) dump() error {
	rows := d.rows()
	if d.format == config.DumpFormatCSV {
		if d.fileName != "" {
			return writeCSV(d.fileName, csvHeader, rows)
		}
		w := csv.NewWriter(d.out)
		if !d.headerWritten {
			if err := w.Write(csvHeader); err != nil {
				return fmt.Errorf("csv failed to write header, err: %w", err)
			}
			d.headerWritten = true
		}
		if err := w.WriteAll(rows); err != nil {
			return fmt.Errorf("csv failed to write rows, err: %w", err)
		}
		return nil
	}

	b := strings.Builder{}
	fmt.Fprintf(&b, "# %v metrics: %v\n", d.now().UTC().Format(time.RFC3339), len(rows))
	for _, r := range rows {
		b.WriteString(formatTextRow(r))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(d.out, b.String())
	return err
}

// rows returns one row per written metric matching the filter. Rows are in csvHeader column order.
func (d *dumper) rows() [][]string {
	now := d.now()
	result := make([][]string, 0, 16)
	for _, r := range d.store.Readings() {
		if r.Updated.IsZero() || !d.matches(r.Name) {
			continue
		}
		value := r.Value.Format()
		if r.IsVector() {
			value = d.formatVector(r)
		}
		stale := ""
		if r.Stale {
			stale = "stale"
		}
		result = append(result, []string{
			strconv.FormatInt(now.UnixMilli(), 10),
			r.Name,
			value,
			string(r.Unit),
			strconv.FormatInt(r.Age.Milliseconds(), 10),
			stale,
		})
	}
	return result
}

// formatVector joins vector elements with comma. Never written elements are left empty.
func (d *dumper) formatVector(r metric.Reading) string {
	h, ok := d.store.Lookup(r.Name)
	if !ok {
		return ""
	}
	elements, err := d.store.GetRange(h, 0, len(r.Values))
	if err != nil {
		return ""
	}
	parts := make([]string, len(elements))
	for i, e := range elements {
		if e.Defined {
			parts[i] = e.Value.Format()
		}
	}
	return strings.Join(parts, ",")
}

func (d *dumper) matches(name string) bool {
	if len(d.prefixes) == 0 {
		return true
	}
	for _, p := range d.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func formatTextRow(row []string) string {
	value := row[2]
	if row[3] != "" {
		value += " " + row[3]
	}
	age, _ := strconv.ParseInt(row[4], 10, 64)
	line := fmt.Sprintf("%-24s %s (age %v)", row[1], value, time.Duration(age)*time.Millisecond)
	if row[5] != "" {
		line += " [" + row[5] + "]"
	}
	return line
}

func writeCSV(fileName string, header []string, rows [][]string) error {
	fileExists := false
	fi, err := os.Stat(fileName)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("csv file check failure, err: %w", err)
	}
	if fi != nil {
		fileExists = true
		if fi.IsDir() {
			return fmt.Errorf("csv file overlaps with directory, file: %s", fileName)
		}
	}

	csvFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer csvFile.Close()

	csvwriter := csv.NewWriter(csvFile)
	if !fileExists {
		if err := csvwriter.Write(header); err != nil {
			return fmt.Errorf("csv failed to write header, err: %w", err)
		}
	}
	if err := csvwriter.WriteAll(rows); err != nil {
		return fmt.Errorf("csv failed to write rows, err: %w", err)
	}
	return nil
}

// parseMetricFilter parses comma separated list of metric name prefixes. `v.b.,v.p.latitude`
func parseMetricFilter(raw string) []string {
	var result []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		result = append(result, p)
	}
	return result
}
