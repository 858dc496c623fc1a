// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package table reads and writes plain text tables. Column metadata lives in
// comment lines of the form
//
//	# Column N: NAME [UNIT, TYPE, BLANK] COMMENT
//
// and every further non-comment line is one row of whitespace separated
// values. In memory, a table is a chain of one-dimensional buffers linked
// through Next.
package table

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/mlnoga/skymesh/internal/data"
)

var reColumn = regexp.MustCompile(`^#\s*Column\s+([0-9]+)\s*:\s*([^\s\[]*)\s*(?:\[([^\]]*)\])?\s*(.*)$`)

// Metadata of a column
type Info struct {
	Name     string
	Unit     string
	Comment  string
	Type     data.Type
	StrWidth int    // fixed width of string columns
	Blank    string // textual blank value, if any
}

// Reads column metadata and counts the rows of a table file
func ReadInfo(fileName string) (cols []Info, numRows int, err error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	cols, rows, err := scan(f, false)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", fileName, err)
	}
	return cols, len(rows), nil
}

// Reads the selected columns of a table file. Columns are selected by name
// or by 1-based number; an empty selection reads all. Returns the first column
func Read(fileName string, columns []string, alloc *data.Allocator) (*data.Buffer, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	first, err := ReadFrom(f, columns, alloc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return first, nil
}

// Reads the selected columns of a table from a stream
func ReadFrom(r io.Reader, columns []string, alloc *data.Allocator) (*data.Buffer, error) {
	cols, rows, err := scan(r, true)
	if err != nil {
		return nil, err
	}
	sel, err := selectColumns(cols, columns)
	if err != nil {
		return nil, err
	}

	var first, last *data.Buffer
	for _, c := range sel {
		info := cols[c]
		strs := make([]string, len(rows))
		for i, row := range rows {
			if c < len(row) {
				strs[i] = row[c]
			}
			if strs[i] == "" || (info.Blank != "" && strs[i] == info.Blank) || isNaNToken(strs[i]) {
				strs[i] = data.BlankString
			}
		}
		var b *data.Buffer
		if info.Type == data.TypeString {
			b = data.FromStrings(strs)
		} else {
			b, err = data.CopyAs(data.FromStrings(strs), info.Type, alloc)
			if err != nil {
				if first != nil {
					first.FreeList()
				}
				return nil, fmt.Errorf("column %d (%s): %w", c+1, info.Name, err)
			}
		}
		b.Name, b.Unit, b.Comment = info.Name, info.Unit, info.Comment
		if info.Type == data.TypeString {
			b.Disp = data.Display{Width: info.StrWidth, Format: 's'}
		}
		if first == nil {
			first = b
		} else {
			last.Next = b
		}
		last = b
	}
	return first, nil
}

func isNaNToken(s string) bool {
	return strings.EqualFold(s, "nan")
}

// Parses comment metadata and, if wanted, the rows split into tokens
func scan(r io.Reader, keepRows bool) ([]Info, [][]string, error) {
	var cols []Info
	var rows [][]string
	numRows := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed[0] == '#' {
			m := reColumn.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			n, _ := strconv.Atoi(m[1])
			if n < 1 || n > 1<<16 {
				return nil, nil, errors.New(fmt.Sprintf("line %d: invalid column number %d", lineNo, n))
			}
			for len(cols) < n {
				cols = append(cols, Info{Type: data.TypeFloat64})
			}
			info, err := parseInfo(m[2], m[3], m[4])
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cols[n-1] = info
			continue
		}
		row, err := tokenize(line, cols)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		for len(cols) < len(row) {
			cols = append(cols, Info{Type: data.TypeFloat64})
		}
		if keepRows {
			rows = append(rows, row)
		}
		numRows++
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	for i := range cols {
		if cols[i].Name == "" {
			cols[i].Name = "COLUMN_" + strconv.Itoa(i+1)
		}
	}
	if !keepRows {
		rows = make([][]string, numRows)
	}
	return cols, rows, nil
}

// Parses the bracketed unit, type and blank, and the trailing comment
func parseInfo(name, bracket, comment string) (Info, error) {
	info := Info{Name: name, Type: data.TypeFloat64, Comment: strings.TrimSpace(comment)}
	parts := strings.Split(bracket, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) > 0 {
		info.Unit = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		t := parts[1]
		if strings.HasPrefix(t, "str") {
			w, err := strconv.Atoi(t[3:])
			if err != nil || w <= 0 {
				return info, errors.New(fmt.Sprintf("invalid string type '%s'", t))
			}
			info.Type, info.StrWidth = data.TypeString, w
		} else {
			tp, err := data.ParseType(t)
			if err != nil {
				return info, err
			}
			info.Type = tp
		}
	}
	if len(parts) > 2 {
		info.Blank = parts[2]
	}
	return info, nil
}

// Splits a row into tokens. String columns consume their fixed width, so
// they may contain blanks
func tokenize(line string, cols []Info) ([]string, error) {
	var row []string
	pos := 0
	for c := 0; ; c++ {
		for pos < len(line) && (line[pos] == ' ' || line[pos] == '\t') {
			pos++
		}
		if pos >= len(line) {
			break
		}
		if c < len(cols) && cols[c].Type == data.TypeString {
			end := pos + cols[c].StrWidth
			if end > len(line) {
				end = len(line)
			}
			row = append(row, strings.TrimSpace(line[pos:end]))
			pos = end
			continue
		}
		end := pos
		for end < len(line) && line[end] != ' ' && line[end] != '\t' {
			end++
		}
		row = append(row, line[pos:end])
		pos = end
	}
	if len(cols) > 0 && len(row) < len(cols) {
		return nil, errors.New(fmt.Sprintf("%d values for %d columns", len(row), len(cols)))
	}
	return row, nil
}

func selectColumns(cols []Info, names []string) ([]int, error) {
	if len(names) == 0 {
		sel := make([]int, len(cols))
		for i := range sel {
			sel[i] = i
		}
		return sel, nil
	}
	sel := make([]int, 0, len(names))
	for _, n := range names {
		found := -1
		for i, c := range cols {
			if c.Name == n {
				found = i
				break
			}
		}
		if found < 0 {
			if i, err := strconv.Atoi(n); err == nil && i >= 1 && i <= len(cols) {
				found = i - 1
			}
		}
		if found < 0 {
			return nil, errors.New(fmt.Sprintf("no column '%s' among %d", n, len(cols)))
		}
		sel = append(sel, found)
	}
	return sel, nil
}

// Finds a column by name in a chain
func Column(first *data.Buffer, name string) *data.Buffer {
	for c := first; c != nil; c = c.Next {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Number of columns in a chain
func NumColumns(first *data.Buffer) int {
	n := 0
	for c := first; c != nil; c = c.Next {
		n++
	}
	return n
}

// Writes a column chain to a file, with optional leading comment lines
func Write(first *data.Buffer, fileName string, comments []string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := WriteTo(w, first, comments); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", fileName, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Writes a column chain to a stream. All columns must be one-dimensional and
// of equal length
func WriteTo(w io.Writer, first *data.Buffer, comments []string) error {
	var cols []*data.Buffer
	for c := first; c != nil; c = c.Next {
		if c.Ndim() != 1 || c.IsView() {
			return errors.New(fmt.Sprintf("column %s is not a contiguous one-dimensional buffer", c.Name))
		}
		if len(cols) > 0 && c.Size != cols[0].Size {
			return errors.New(fmt.Sprintf("column %s has %d rows, want %d", c.Name, c.Size, cols[0].Size))
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return errors.New("table without columns")
	}

	cells := make([][]string, len(cols))
	widths := make([]int, len(cols))
	nameWidth := 0
	for i, c := range cols {
		cells[i] = formatColumn(c)
		for _, s := range cells[i] {
			if len(s) > widths[i] {
				widths[i] = len(s)
			}
		}
		if c.Type == data.TypeString && c.Disp.Width > widths[i] {
			widths[i] = c.Disp.Width
		}
		if len(c.Name) > nameWidth {
			nameWidth = len(c.Name)
		}
	}

	for _, s := range comments {
		if _, err := fmt.Fprintf(w, "# %s\n", s); err != nil {
			return err
		}
	}
	for i, c := range cols {
		tp := c.Type.String()
		if c.Type == data.TypeString {
			tp = "str" + strconv.Itoa(max(widths[i], 1))
		}
		blank := ""
		if c.Type.IsInteger() {
			blank = strconv.FormatFloat(data.BlankFloat64(c.Type), 'f', -1, 64)
		} else if c.Type == data.TypeString {
			blank = data.BlankString
		}
		if _, err := fmt.Fprintf(w, "# Column %d: %-*s [%s,%s,%s] %s\n", i+1, nameWidth, c.Name, c.Unit, tp, blank, c.Comment); err != nil {
			return err
		}
	}

	var sb strings.Builder
	for r := 0; r < cols[0].Size; r++ {
		sb.Reset()
		for i := range cols {
			if i > 0 {
				sb.WriteString("  ")
			}
			if cols[i].Type == data.TypeString {
				fmt.Fprintf(&sb, "%-*s", widths[i], cells[i][r])
			} else {
				fmt.Fprintf(&sb, "%*s", widths[i], cells[i][r])
			}
		}
		sb.WriteByte('\n')
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

// Formats all values of a column following its display settings. Integer
// blanks are printed as their sentinel value, float blanks as nan
func formatColumn(c *data.Buffer) []string {
	out := make([]string, c.Size)
	if strs, ok := c.Array.([]string); ok {
		for i, s := range strs {
			if s == "" {
				s = data.BlankString
			}
			out[i] = s
		}
		return out
	}
	prec := c.Disp.Precision
	format := c.Disp.Format
	if format == 0 {
		format = 'g'
	}
	if prec <= 0 {
		prec = -1
	}
	for i := 0; i < c.Size; i++ {
		v := data.ValueAt(c, i)
		switch {
		case c.Type.IsInteger():
			out[i] = strconv.FormatFloat(v, 'f', 0, 64)
		case math.IsNaN(v):
			out[i] = "nan"
		case format == 'd':
			out[i] = strconv.FormatFloat(math.Round(v), 'f', 0, 64)
		default:
			out[i] = strconv.FormatFloat(v, format, prec, 64)
		}
	}
	return out
}
