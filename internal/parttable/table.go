package parttable

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"sort"

	"github.com/golang/glog"

	"github.com/espfw/esp32img/internal/esperr"
)

// Fixed flash-layout constants, ground: partition_table.py module
// constants (BOOTLOADER_OFFSET, PART_TABLE_OFFSET, ...).
const (
	BootloaderOffset     = 0x1000
	BootloaderMaxSize    = 0x7000
	DefaultTableOffset   = 0x8000
	TableRegionSize      = 0x1000 // reserved region; only TableSize bytes are meaningful
	TableSize            = 0xC00
	FirstPartOffset      = 0x9000
	ConventionalAppOffset = 0x10000
	OTADataSize          = 0x2000
	BlockSize            = 0x1000
	AppAlignment         = 0x10000
)

// Table is an ordered partition table plus the flash metadata needed to
// validate it.
type Table struct {
	Records     []*Record
	FlashSize   uint64
	TableOffset uint32
}

// New returns an empty table for the given flash size, with the table at
// the conventional 0x8000 offset.
func New(flashSize uint64) *Table {
	return &Table{FlashSize: flashSize, TableOffset: DefaultTableOffset}
}

// Parse decodes a 0xC00-byte (or larger, reserved-region-sized) partition
// table region: a sequence of 32-byte records terminated by a non-magic
// record, followed by the MD5 trailer record and 0xFF padding.
//
// Ground: partition_table.py: PartitionTable.from_bytes.
func Parse(data []byte, flashSize uint64, tableOffset uint32) (*Table, error) {
	t := &Table{FlashSize: flashSize, TableOffset: tableOffset}
	n := 0
	limit := len(data)
	if limit > TableSize {
		limit = TableSize
	}
	for n+RecordSize <= limit {
		rec, err := parseRecord(data[n : n+RecordSize])
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		t.Records = append(t.Records, rec)
		n += RecordSize
	}
	if len(t.Records) == 0 {
		return nil, esperr.BadTable("no partition records found in table")
	}
	if n+2 <= limit && binary.LittleEndian.Uint16(data[n:n+2]) == MD5Magic {
		stored := data[n+16 : n+RecordSize]
		sum := md5sum(data[:n])
		if !bytes.Equal(sum, stored) {
			return nil, esperr.BadTable("partition table MD5 mismatch: expected %x, got %x", stored, sum)
		}
		n += RecordSize
	}
	if t.FlashSize == 0 {
		last := t.Records[len(t.Records)-1]
		t.FlashSize = uint64(last.Offset + last.Size)
	}
	sort.Slice(t.Records, func(i, j int) bool { return t.Records[i].Offset < t.Records[j].Offset })
	if err := t.Check(); err != nil {
		return nil, err
	}
	return t, nil
}

// Emit encodes the table back to its on-flash form: records in offset
// order, the MD5 trailer, then 0xFF padding out to the full reserved
// region (TableRegionSize), matching partition_table.py: to_bytes except
// that the padding target is the whole reserved 0x1000 region rather than
// just TableSize, since that's what actually sits on flash between the
// table and the first partition.
func (t *Table) Emit() []byte {
	sorted := t.sortedRecords()
	body := make([]byte, 0, len(sorted)*RecordSize)
	for _, r := range sorted {
		body = append(body, r.emit()...)
	}
	sum := md5sum(body)
	out := make([]byte, TableRegionSize)
	copy(out, body)
	n := len(body)
	binary.LittleEndian.PutUint16(out[n:n+2], MD5Magic)
	for i := n + 2; i < n+16; i++ {
		out[i] = 0xFF
	}
	copy(out[n+16:n+RecordSize], sum)
	for i := n + RecordSize; i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}

func (t *Table) sortedRecords() []*Record {
	out := append([]*Record(nil), t.Records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// ByName returns the record named name, or esperr.NotFound.
func (t *Table) ByName(name string) (*Record, error) {
	for _, r := range t.Records {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, esperr.NotFound(name)
}

// BySubtypeName returns the first record whose human subtype name matches,
// or esperr.NotFound. Ground: ota_update.py uses table.by_subtype("ota")
// to find the otadata partition.
func (t *Table) BySubtypeName(subtype string) (*Record, error) {
	for _, r := range t.Records {
		if r.SubtypeName() == subtype {
			return r, nil
		}
	}
	return nil, esperr.NotFound(subtype)
}

// AppPart returns the conventional MicroPython app partition: the first
// "factory" or "ota_0" partition. Ground: partition_table.py: app_part.
func (t *Table) AppPart() (*Record, error) {
	for _, r := range t.sortedRecords() {
		if r.SubtypeName() == "factory" || r.SubtypeName() == "ota_0" {
			return r, nil
		}
	}
	return nil, esperr.Layout(`no "factory" or "ota_0" partition found in table`)
}

// OTAAppParts returns every ota_N app partition, sorted by subtype
// (i.e. by N), and errors if fewer than 2 exist or numbering isn't
// contiguous starting at ota_0. Ground: ota_update.py: _ota_app_parts.
func (t *Table) OTAAppParts() ([]*Record, error) {
	var parts []*Record
	for _, r := range t.Records {
		if r.Type == TypeApp && r.Subtype >= 0x10 && r.Subtype < 0x20 {
			parts = append(parts, r)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Subtype < parts[j].Subtype })
	if len(parts) < 2 {
		return nil, esperr.Layout("require at least 2 ota partitions (ota_0, ota_1), found %d", len(parts))
	}
	for i, p := range parts {
		if int(p.Subtype)-0x10 != i {
			return nil, esperr.Layout("ota partition subtypes must be sequential starting at ota_0")
		}
	}
	return parts, nil
}

// Check validates every table-wide invariant from spec.md §3 and §8.
// Ground: partition_table.py: PartitionTable.check.
func (t *Table) Check() error {
	names := make(map[string]bool, len(t.Records))
	sorted := t.sortedRecords()
	offset := uint32(FirstPartOffset)
	hasApp := false
	for _, r := range sorted {
		if r.Name == "" || len(r.Name) > 15 {
			return esperr.Layout("partition name %q must be 1-15 ASCII characters", r.Name)
		}
		if names[r.Name] {
			return esperr.Layout("partition name %q is repeated", r.Name)
		}
		names[r.Name] = true
		if r.Offset < offset {
			return esperr.Layout("partition %q overlaps with previous partition", r.Name)
		}
		if r.Offset > offset {
			glog.Warningf("gap before partition %q: %#x bytes unused", r.Name, r.Offset-offset)
		}
		if r.Offset%BlockSize != 0 {
			return esperr.Layout("partition %q offset %#x is not a multiple of %#x", r.Name, r.Offset, BlockSize)
		}
		if r.Size%BlockSize != 0 {
			return esperr.Layout("partition %q size %#x is not a multiple of %#x", r.Name, r.Size, BlockSize)
		}
		if r.Type == TypeApp {
			hasApp = true
			if r.Offset%AppAlignment != 0 {
				return esperr.Layout("app partition %q offset %#x is not a multiple of %#x", r.Name, r.Offset, AppAlignment)
			}
		}
		offset = r.Offset + r.Size
	}
	if !hasApp {
		return esperr.Layout("table must contain at least one app partition")
	}
	if uint64(offset) > t.FlashSize {
		return esperr.Layout("end of last partition (%#x) exceeds flash size (%#x)", offset, t.FlashSize)
	}
	if uint64(offset) != t.FlashSize {
		glog.Warningf("end of last partition (%#x) is less than flash size (%#x)", offset, t.FlashSize)
	}
	hasOTA := false
	for _, r := range sorted {
		if r.Type == TypeApp && r.Subtype >= 0x10 && r.Subtype < 0x20 {
			hasOTA = true
			break
		}
	}
	if hasOTA {
		otaParts, err := t.countSubtype(TypeData, 0x00)
		if err != nil {
			return err
		}
		if otaParts != 1 {
			return esperr.Layout("table has ota_N app partitions but %d otadata partitions (need exactly 1)", otaParts)
		}
	}
	return nil
}

func (t *Table) countSubtype(typ Type, subtype uint8) (int, error) {
	n := 0
	for _, r := range t.Records {
		if r.Type == typ && r.Subtype == subtype {
			n++
		}
	}
	return n, nil
}

func md5sum(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}
