package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Load reads a dataset from a file, choosing the parser by extension.
// Supported: .csv, .tsv, .json (array of objects), .jsonl.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(f, ',')
	case ".tsv":
		return LoadCSV(f, '\t')
	case ".jsonl", ".ndjson":
		return LoadJSONL(f)
	case ".json":
		return LoadJSON(f)
	default:
		return nil, fmt.Errorf("unsupported dataset format: %s", filepath.Ext(path))
	}
}

// LoadCSV parses delimiter-separated values with a header row.
func LoadCSV(r io.Reader, delim rune) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	ds := New(header)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		row := make([]any, len(record))
		for i, v := range record {
			row[i] = v
		}
		if err := ds.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// LoadJSONL parses one JSON object per line. JSON objects carry no column
// order, so columns are sorted by name for a stable layout.
func LoadJSONL(r io.Reader) (*Dataset, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	var objects []map[string]any
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, fmt.Errorf("failed to parse JSONL line: %w", err)
		}
		objects = append(objects, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return fromObjects(objects)
}

// LoadJSON parses a JSON array of objects.
func LoadJSON(r io.Reader) (*Dataset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON: %w", err)
	}
	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("failed to parse JSON array: %w", err)
	}
	return fromObjects(objects)
}

func fromObjects(objects []map[string]any) (*Dataset, error) {
	var columns []string
	seen := make(map[string]bool)
	for _, obj := range objects {
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	ds := New(columns)
	for _, obj := range objects {
		row := make([]any, len(columns))
		for i, c := range columns {
			if v, ok := obj[c]; ok {
				row[i] = v
			}
		}
		if err := ds.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// WriteCSV writes the dataset as CSV with a header row.
func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, row := range d.rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = Stringify(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSONL writes the dataset as one JSON object per row.
func (d *Dataset) WriteJSONL(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, row := range d.rows {
		obj := make(map[string]any, len(d.columns))
		for i, c := range d.columns {
			obj[c] = row[i]
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return bw.Flush()
}
