// Package dataset provides the in-memory tabular dataset that pipeline
// steps operate on. A Dataset is a table of named columns with dynamically
// typed cells; nil marks a missing value. Steps never mutate a Dataset they
// receive — they clone it and return a new one.
package dataset

import (
	"fmt"
	"strconv"
)

// Dataset is an in-memory table with named columns and a stable row order.
type Dataset struct {
	columns []string
	rows    [][]any
}

// New creates an empty dataset with the given column names.
func New(columns []string) *Dataset {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Dataset{columns: cols}
}

// AppendRow adds a row. Short rows are padded with nil; long rows are an error.
func (d *Dataset) AppendRow(row []any) error {
	if len(row) > len(d.columns) {
		return fmt.Errorf("row has %d cells, dataset has %d columns", len(row), len(d.columns))
	}
	r := make([]any, len(d.columns))
	copy(r, row)
	d.rows = append(d.rows, r)
	return nil
}

// NumRows returns the row count.
func (d *Dataset) NumRows() int { return len(d.rows) }

// NumColumns returns the column count.
func (d *Dataset) NumColumns() int { return len(d.columns) }

// Columns returns a copy of the column names in order.
func (d *Dataset) Columns() []string {
	cols := make([]string, len(d.columns))
	copy(cols, d.columns)
	return cols
}

// ColumnIndex returns the index of a column, or -1 if absent.
func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the named column exists.
func (d *Dataset) HasColumn(name string) bool { return d.ColumnIndex(name) >= 0 }

// Cell returns the value at (row, column name). Missing column yields nil.
func (d *Dataset) Cell(row int, column string) any {
	i := d.ColumnIndex(column)
	if i < 0 || row < 0 || row >= len(d.rows) {
		return nil
	}
	return d.rows[row][i]
}

// SetCell overwrites the value at (row, column name). No-op if absent.
func (d *Dataset) SetCell(row int, column string, value any) {
	i := d.ColumnIndex(column)
	if i < 0 || row < 0 || row >= len(d.rows) {
		return
	}
	d.rows[row][i] = value
}

// CellString renders the cell as a string. nil becomes "".
func (d *Dataset) CellString(row int, column string) string {
	return Stringify(d.Cell(row, column))
}

// Stringify renders any cell value as a string, "" for nil.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Clone deep-copies the table structure. Cell values themselves are shared;
// steps replace cells rather than mutating them in place.
func (d *Dataset) Clone() *Dataset {
	out := New(d.columns)
	out.rows = make([][]any, len(d.rows))
	for i, row := range d.rows {
		r := make([]any, len(row))
		copy(r, row)
		out.rows[i] = r
	}
	return out
}

// SelectRows returns a new dataset containing only the given row indices,
// in the order provided. Out-of-range indices are skipped.
func (d *Dataset) SelectRows(indices []int) *Dataset {
	out := New(d.columns)
	out.rows = make([][]any, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(d.rows) {
			continue
		}
		r := make([]any, len(d.rows[i]))
		copy(r, d.rows[i])
		out.rows = append(out.rows, r)
	}
	return out
}

// FilterRows returns a new dataset with only the rows where keep returns true.
func (d *Dataset) FilterRows(keep func(row int) bool) *Dataset {
	indices := make([]int, 0, len(d.rows))
	for i := range d.rows {
		if keep(i) {
			indices = append(indices, i)
		}
	}
	return d.SelectRows(indices)
}

// WithColumn returns a new dataset with the column appended (or replaced if
// the name already exists). values shorter than the row count are padded
// with nil.
func (d *Dataset) WithColumn(name string, values []any) *Dataset {
	out := d.Clone()
	idx := out.ColumnIndex(name)
	if idx < 0 {
		out.columns = append(out.columns, name)
		idx = len(out.columns) - 1
		for i := range out.rows {
			out.rows[i] = append(out.rows[i], nil)
		}
	}
	for i := range out.rows {
		if i < len(values) {
			out.rows[i][idx] = values[i]
		}
	}
	return out
}

// DropColumns returns a new dataset without the named columns. Unknown
// names are ignored.
func (d *Dataset) DropColumns(names ...string) *Dataset {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var keepIdx []int
	var keepCols []string
	for i, c := range d.columns {
		if !drop[c] {
			keepIdx = append(keepIdx, i)
			keepCols = append(keepCols, c)
		}
	}
	out := New(keepCols)
	out.rows = make([][]any, len(d.rows))
	for r, row := range d.rows {
		nr := make([]any, len(keepIdx))
		for j, i := range keepIdx {
			nr[j] = row[i]
		}
		out.rows[r] = nr
	}
	return out
}

// TextColumns returns the names of columns whose non-missing cells are
// predominantly strings.
func (d *Dataset) TextColumns() []string {
	var out []string
	for _, c := range d.columns {
		if d.isTextColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dataset) isTextColumn(name string) bool {
	i := d.ColumnIndex(name)
	if i < 0 {
		return false
	}
	strCount, total := 0, 0
	for _, row := range d.rows {
		if row[i] == nil {
			continue
		}
		total++
		if _, ok := row[i].(string); ok {
			strCount++
		}
	}
	if total == 0 {
		return false
	}
	return strCount*2 > total
}

// AvgTextLength returns the mean string length of a column's cells.
func (d *Dataset) AvgTextLength(column string) float64 {
	i := d.ColumnIndex(column)
	if i < 0 || len(d.rows) == 0 {
		return 0
	}
	total := 0
	for _, row := range d.rows {
		total += len(Stringify(row[i]))
	}
	return float64(total) / float64(len(d.rows))
}

// UniqueValues returns the distinct stringified values of a column with
// their occurrence counts.
func (d *Dataset) UniqueValues(column string) map[string]int {
	i := d.ColumnIndex(column)
	counts := make(map[string]int)
	if i < 0 {
		return counts
	}
	for _, row := range d.rows {
		counts[Stringify(row[i])]++
	}
	return counts
}

// Row returns a copy of a single row's cells.
func (d *Dataset) Row(i int) []any {
	if i < 0 || i >= len(d.rows) {
		return nil
	}
	r := make([]any, len(d.rows[i]))
	copy(r, d.rows[i])
	return r
}
