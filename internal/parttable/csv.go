package parttable

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/espfw/esp32img/internal/esperr"
)

// ParseCSV loads a table from the 6-column ESP-IDF gen_esp32part.py CSV
// format: name,type,subtype,offset,size,flags. Lines starting with '#' are
// comments. Ground: partition_table.py: from_csv, layouts.py: from_csv.
func ParseCSV(r io.Reader, flashSize uint64, tableOffset uint32) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, esperr.User("malformed partition CSV: %v", err)
	}
	t := New(flashSize)
	t.TableOffset = tableOffset
	for _, row := range rows {
		if len(row) != 6 {
			return nil, esperr.User("CSV row must have 6 columns, got %d: %v", len(row), row)
		}
		name := strings.TrimSpace(row[0])
		typeName := strings.TrimSpace(row[1])
		subtypeName := strings.TrimSpace(row[2])
		offset, err := parseCSVInt(row[3])
		if err != nil {
			return nil, esperr.User("bad offset %q for partition %q: %v", row[3], name, err)
		}
		size, err := parseCSVInt(row[4])
		if err != nil {
			return nil, esperr.User("bad size %q for partition %q: %v", row[4], name, err)
		}
		flags, err := parseCSVInt(row[5])
		if err != nil {
			return nil, esperr.User("bad flags %q for partition %q: %v", row[5], name, err)
		}
		typ, subtype, err := resolveSubtype(typeName, subtypeName)
		if err != nil {
			return nil, err
		}
		t.Records = append(t.Records, &Record{
			Type: typ, Subtype: subtype, Offset: uint32(offset), Size: uint32(size), Name: name, Flags: uint32(flags),
		})
	}
	if err := t.Check(); err != nil {
		return nil, err
	}
	return t, nil
}

func resolveSubtype(typeName, subtypeName string) (Type, uint8, error) {
	// The subtype name alone is usually sufficient (names are unique
	// across app and data types per partition_table.py: SUBTYPES), but a
	// CSV may also spell out numeric type/subtype directly.
	if typ, sub, err := SubtypeByName(subtypeName); err == nil {
		return typ, sub, nil
	}
	var typ Type
	switch strings.ToLower(typeName) {
	case "app", "0", "0x0":
		typ = TypeApp
	case "data", "1", "0x1":
		typ = TypeData
	default:
		return 0, 0, esperr.User("unknown partition type %q", typeName)
	}
	sub, err := parseCSVInt(subtypeName)
	if err != nil {
		return 0, 0, esperr.User("unknown partition subtype %q", subtypeName)
	}
	return typ, uint8(sub), nil
}

func parseCSVInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 0, 64)
}

// WriteCSV renders the table in the same 6-column format ParseCSV accepts.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	fmt.Fprintln(w, "# Name, Type, SubType, Offset, Size, Flags")
	for _, r := range t.sortedRecords() {
		row := []string{
			r.Name,
			r.TypeName(),
			r.SubtypeName(),
			fmt.Sprintf("%#x", r.Offset),
			fmt.Sprintf("%#x", r.Size),
			fmt.Sprintf("%#x", r.Flags),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
