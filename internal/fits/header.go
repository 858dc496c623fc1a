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

// Package fits reads and writes images in the FITS format, with one or more
// header data units. Files ending in .gz are transparently (de)compressed.
//
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
package fits

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const blockSize int = 2880     // Block size of FITS header and data units
const HeaderLineSize int = 80 // Line size of a FITS header

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int64
	Floats   map[string]float64
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int64
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int64),
		Floats:   make(map[string]float64),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
	}
}

// Integer value of a key
func (h *Header) Int(key string) (int64, bool) {
	v, ok := h.Ints[key]
	return v, ok
}

// Numeric value of a key, integer or floating point
func (h *Header) Float(key string) (float64, bool) {
	if v, ok := h.Floats[key]; ok {
		return v, true
	}
	if v, ok := h.Ints[key]; ok {
		return float64(v), true
	}
	return 0, false
}

// String value of a key, with trailing blanks removed
func (h *Header) String(key string) (string, bool) {
	v, ok := h.Strings[key]
	return strings.TrimRight(v, " "), ok
}

// Reads header blocks until the END record. Returns io.EOF if the reader is
// exhausted before the first block
func (h *Header) read(r io.Reader, id int, logWriter io.Writer) error {
	buf := make([]byte, blockSize)

	for h.Length = 0; !h.End; {
		// read next header unit
		bytesRead, err := io.ReadFull(r, buf)
		if err == io.EOF && h.Length == 0 {
			return io.EOF
		}
		if err != nil {
			return fmt.Errorf("%d: header truncated after %d bytes: %w", id, h.Length+int64(bytesRead), err)
		}
		h.Length += int64(bytesRead)

		// parse all lines in this header unit
		for lineNo := 0; lineNo < blockSize/HeaderLineSize && !h.End; lineNo++ {
			line := buf[lineNo*HeaderLineSize : (lineNo+1)*HeaderLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				if logWriter != nil {
					fmt.Fprintf(logWriter, "%d: Warning: Cannot parse '%s', ignoring\n", id, string(line))
				}
			} else {
				subNames := reParser.SubexpNames()
				h.readLine(subNames, subValues, id, lineNo, logWriter)
			}
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, id, lineNo int, logWriter io.Writer) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] != nil && len(subNames[i]) == 1 {
			switch c := subNames[i][0]; c {
			case byte('E'): // end line
				h.End = true
			case byte('H'): // history line
				h.History = append(h.History, string(subValues[i]))
			case byte('C'): // comment line
				h.Comments = append(h.Comments, strings.TrimRight(string(subValues[i]), " "))
			case byte('k'): // key
				key = string(subValues[i])
			case byte('b'): // boolean
				if len(subValues[i]) > 0 {
					v := subValues[i][0]
					h.Bools[key] = v == byte('t') || v == byte('T')
				}
			case byte('i'): // int
				val, err := strconv.ParseInt(string(subValues[i]), 10, 64)
				if err == nil {
					h.Ints[key] = val
				} else if f, ferr := strconv.ParseFloat(string(subValues[i]), 64); ferr == nil {
					// unsigned offsets like 9223372036854775808 overflow int64
					h.Floats[key] = f
				}
			case byte('f'): // float
				s := strings.Replace(string(subValues[i]), "D", "E", 1)
				val, err := strconv.ParseFloat(s, 64)
				if err == nil {
					h.Floats[key] = val
				}
			case byte('s'): // string
				h.Strings[key] = strings.ReplaceAll(string(subValues[i]), "''", "'")
			case byte('d'): // date
				h.Dates[key] = string(subValues[i])
			case byte('c'): // comment
				// ignore value comments
			default:
				if logWriter != nil {
					fmt.Fprintf(logWriter, "%d:%d:Warning:Unknown token '%s'\n", id, lineNo, string(c))
				}
			}
		}
	}
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"
	whiteLine := white

	hist := "HISTORY"
	rest := ".*"
	histLine := hist + white + "(?P<H>" + rest + ")"

	commKey := "COMMENT"
	commLine := commKey + white + "(?P<C>" + rest + ")"

	end := "(?P<E>END)"
	endLine := end + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?[0-9]*\\.[0-9]*(?:[ED][-+]?[0-9]+)?|[+-]?[0-9]+[ED][-+]?[0-9]+)"
	stri := "'(?P<s>(?:[^']|'')*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)"
	val := "(?:" + boo + "|" + date + "|" + floa + "|" + inte + "|" + stri + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + whiteLine + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}

// A header keyword to write. Value is a bool, an integer, a float or a string
type Key struct {
	Name    string
	Value   any
	Comment string
}

// Writes a header keyword of any supported value type
func writeKey(w io.Writer, k Key) error {
	switch v := k.Value.(type) {
	case bool:
		writeBool(w, k.Name, v, k.Comment)
	case int:
		writeInt64(w, k.Name, int64(v), k.Comment)
	case int32:
		writeInt64(w, k.Name, int64(v), k.Comment)
	case int64:
		writeInt64(w, k.Name, v, k.Comment)
	case float32:
		writeFloat64(w, k.Name, float64(v), k.Comment)
	case float64:
		writeFloat64(w, k.Name, v, k.Comment)
	case string:
		writeString(w, k.Name, v, k.Comment)
	default:
		return errors.New(fmt.Sprintf("unsupported value %v for header key %s", k.Value, k.Name))
	}
	return nil
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header int64 value
func writeInt64(w io.Writer, key string, value int64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

// Writes a FITS header float64 value. Always carries a decimal point or an
// exponent, so it reads back as a float
func writeFloat64(w io.Writer, key string, value float64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	s := strconv.FormatFloat(value, 'G', 14, 64)
	if !strings.ContainsAny(s, ".E") {
		s += "."
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, s, comment)
}

// Writes a FITS header string value, escaping quotes and truncating to one record
func writeString(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	value = strings.ReplaceAll(value, "'", "''")
	if len(value) > 68 {
		value = value[:68]
		if strings.HasSuffix(value, "'") && !strings.HasSuffix(value, "''") {
			value = value[:67]
		}
	}
	s := fmt.Sprintf("'%-8s'", value)
	if len(s) < 20 {
		s += strings.Repeat(" ", 20-len(s))
	}
	line := fmt.Sprintf("%-8s= %s", key, s)
	if len(line)+3 < HeaderLineSize && comment != "" {
		line += " / " + comment
	}
	if len(line) > HeaderLineSize {
		line = line[:HeaderLineSize]
	}
	fmt.Fprintf(w, "%-80s", line)
}

// Writes a FITS comment record
func writeComment(w io.Writer, comment string) {
	if len(comment) > 72 {
		comment = comment[:72]
	}
	fmt.Fprintf(w, "COMMENT %-72s", comment)
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", 80-3))
}

// Writes a FITS header uint64 value, for offsets beyond the int64 range
func writeUint64(w io.Writer, key string, value uint64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}
