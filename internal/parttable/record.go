// Package parttable implements the codec for the ESP32 partition-table
// region: the 32-byte PartitionRecord format, the MD5 trailer record, and
// the fixed 0xC00-byte region they occupy.
//
// Ground: mongoose-os-mos/mos/flash/esp32/partitions.go (ESPPartitionInfo)
// and original_source/src/mp_image_tool_esp32/partition_table.py.
package parttable

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/espfw/esp32img/internal/esperr"
)

// RecordMagic is the 2-byte magic marking a live partition record.
const RecordMagic uint16 = 0x50AA

// MD5Magic is the 2-byte magic marking the MD5 trailer record.
const MD5Magic uint16 = 0xEBEB

// RecordSize is the size in bytes of one PartitionRecord on flash.
const RecordSize = 32

// NameSize is the maximum length of a partition name field on flash
// (16 bytes, NUL-padded; spec.md requires names be non-empty and <=15
// ASCII bytes so there is always room for the terminating NUL).
const NameSize = 16

// Type identifies whether a partition is an app image or opaque data.
type Type uint8

const (
	TypeApp  Type = 0
	TypeData Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	default:
		return "unknown"
	}
}

// subtypeNames maps (type, subtype) to the canonical human name, per
// partition_table.py: SUBTYPES, extended with the data subtypes ESP-IDF's
// gen_esp32part.py also recognizes.
var subtypeNames = map[[2]uint8]string{
	{uint8(TypeApp), 0x00}:  "factory",
	{uint8(TypeApp), 0x20}:  "test",
	{uint8(TypeData), 0x00}: "ota",
	{uint8(TypeData), 0x01}: "phy",
	{uint8(TypeData), 0x02}: "nvs",
	{uint8(TypeData), 0x03}: "coredump",
	{uint8(TypeData), 0x04}: "nvs_keys",
	{uint8(TypeData), 0x81}: "fat",
	{uint8(TypeData), 0x82}: "spiffs",
	{uint8(TypeData), 0x83}: "littlefs",
}

var namesToSubtype = func() map[string][2]uint8 {
	m := make(map[string][2]uint8, len(subtypeNames)+16)
	for k, v := range subtypeNames {
		m[v] = k
	}
	for i := 0; i < 16; i++ {
		m["ota_"+strconv.Itoa(i)] = [2]uint8{uint8(TypeApp), uint8(0x10 + i)}
	}
	return m
}()

func init() {
	for i := 0; i < 16; i++ {
		subtypeNames[[2]uint8{uint8(TypeApp), uint8(0x10 + i)}] = "ota_" + strconv.Itoa(i)
	}
}

// SubtypeName returns the human name for (t, subtype), or a "0x%02x"
// numeric fallback for unrecognized subtypes (spec.md §4.3: "unknown
// subtypes are preserved as their numeric value").
func SubtypeName(t Type, subtype uint8) string {
	if name, ok := subtypeNames[[2]uint8{uint8(t), subtype}]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", subtype)
}

// SubtypeByName resolves a human subtype name (e.g. "nvs", "ota_1", "fat")
// to its (type, subtype) pair.
func SubtypeByName(name string) (Type, uint8, error) {
	if ts, ok := namesToSubtype[name]; ok {
		return Type(ts[0]), ts[1], nil
	}
	return 0, 0, esperr.User("unknown partition subtype %q", name)
}

// Record is one 32-byte entry in the partition table.
type Record struct {
	Type    Type
	Subtype uint8
	Offset  uint32
	Size    uint32
	Name    string
	Flags   uint32
}

// TypeName returns the record's type as "app"/"data".
func (r *Record) TypeName() string { return r.Type.String() }

// SubtypeName returns the record's human-readable subtype name.
func (r *Record) SubtypeName() string { return SubtypeName(r.Type, r.Subtype) }

// End returns the exclusive end offset of the partition.
func (r *Record) End() uint32 { return r.Offset + r.Size }

// Overlaps reports whether r and other occupy any common byte range.
func (r *Record) Overlaps(other *Record) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

// parseRecord decodes one 32-byte record. Returns (nil, nil) if data does
// not start with RecordMagic (the table terminator).
func parseRecord(data []byte) (*Record, error) {
	if len(data) < RecordSize {
		return nil, esperr.BadTable("partition record truncated: got %d bytes, need %d", len(data), RecordSize)
	}
	magic := binary.LittleEndian.Uint16(data[0:2])
	if magic != RecordMagic {
		return nil, nil
	}
	r := &Record{
		Type:    Type(data[2]),
		Subtype: data[3],
		Offset:  binary.LittleEndian.Uint32(data[4:8]),
		Size:    binary.LittleEndian.Uint32(data[8:12]),
		Name:    strings.TrimRight(string(data[12:12+NameSize]), "\x00"),
		Flags:   binary.LittleEndian.Uint32(data[28:32]),
	}
	return r, nil
}

func (r *Record) emit() []byte {
	b := make([]byte, RecordSize)
	binary.LittleEndian.PutUint16(b[0:2], RecordMagic)
	b[2] = byte(r.Type)
	b[3] = r.Subtype
	binary.LittleEndian.PutUint32(b[4:8], r.Offset)
	binary.LittleEndian.PutUint32(b[8:12], r.Size)
	copy(b[12:12+NameSize], []byte(r.Name))
	binary.LittleEndian.PutUint32(b[28:32], r.Flags)
	return b
}
