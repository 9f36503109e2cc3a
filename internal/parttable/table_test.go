package parttable

import (
	"bytes"
	"strings"
	"testing"
)

func fourPartTable() *Table {
	t := New(4 << 20)
	t.Records = []*Record{
		{Type: TypeData, Subtype: 0x02, Offset: 0x9000, Size: 0x6000, Name: "nvs"},
		{Type: TypeData, Subtype: 0x01, Offset: 0xf000, Size: 0x1000, Name: "phy_init"},
		{Type: TypeApp, Subtype: 0x00, Offset: 0x10000, Size: 0x1f0000, Name: "factory"},
		{Type: TypeData, Subtype: 0x81, Offset: 0x200000, Size: 0x200000, Name: "vfs"},
	}
	return t
}

func TestEmitParseRoundTrip(t *testing.T) {
	table := fourPartTable()
	data := table.Emit()
	if len(data) != TableRegionSize {
		t.Fatalf("Emit() length = %d, want %d", len(data), TableRegionSize)
	}
	parsed, err := Parse(data, table.FlashSize, DefaultTableOffset)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Records) != len(table.Records) {
		t.Fatalf("got %d records, want %d", len(parsed.Records), len(table.Records))
	}
	for i, r := range parsed.Records {
		want := table.Records[i]
		if r.Name != want.Name || r.Offset != want.Offset || r.Size != want.Size || r.Type != want.Type || r.Subtype != want.Subtype {
			t.Errorf("record %d mismatch: got %+v, want %+v", i, r, want)
		}
	}
}

func TestParseDetectsMD5Mismatch(t *testing.T) {
	table := fourPartTable()
	data := table.Emit()
	data[0x80+20] ^= 0xFF // flip a byte inside the stored MD5
	if _, err := Parse(data, table.FlashSize, DefaultTableOffset); err == nil {
		t.Fatal("expected MD5 mismatch error")
	}
}

func TestCheckRejectsOverlap(t *testing.T) {
	table := fourPartTable()
	table.Records[1].Offset = 0x9000 // now overlaps "nvs"
	if err := table.Check(); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestCheckRejectsUnalignedAppOffset(t *testing.T) {
	table := fourPartTable()
	table.Records[2].Offset = 0x11000 // not a multiple of 0x10000
	table.Records[3].Offset = 0x201000
	if err := table.Check(); err == nil {
		t.Fatal("expected app-alignment error")
	}
}

func TestCheckRejectsDuplicateNames(t *testing.T) {
	table := fourPartTable()
	table.Records[1].Name = "nvs"
	if err := table.Check(); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestCheckRequiresOTAData(t *testing.T) {
	table := New(4 << 20)
	table.Records = []*Record{
		{Type: TypeApp, Subtype: 0x10, Offset: 0x10000, Size: 0x100000, Name: "ota_0"},
		{Type: TypeApp, Subtype: 0x11, Offset: 0x110000, Size: 0x100000, Name: "ota_1"},
	}
	if err := table.Check(); err == nil {
		t.Fatal("expected missing-otadata error")
	}
}

func TestAppPart(t *testing.T) {
	table := fourPartTable()
	p, err := table.AppPart()
	if err != nil {
		t.Fatalf("AppPart: %v", err)
	}
	if p.Name != "factory" {
		t.Errorf("AppPart() = %q, want factory", p.Name)
	}
}

func TestByNameNotFound(t *testing.T) {
	table := fourPartTable()
	if _, err := table.ByName("nope"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestCSVRoundTrip(t *testing.T) {
	table := fourPartTable()
	var buf bytes.Buffer
	if err := table.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	parsed, err := ParseCSV(strings.NewReader(buf.String()), table.FlashSize, DefaultTableOffset)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(parsed.Records) != len(table.Records) {
		t.Fatalf("got %d records, want %d", len(parsed.Records), len(table.Records))
	}
}

func TestSubtypeNameFallback(t *testing.T) {
	if got := SubtypeName(TypeData, 0x55); got != "0x55" {
		t.Errorf("SubtypeName fallback = %q, want 0x55", got)
	}
}

func TestOTAAppPartsRequiresSequential(t *testing.T) {
	table := New(4 << 20)
	table.Records = []*Record{
		{Type: TypeApp, Subtype: 0x10, Offset: 0x10000, Size: 0x100000, Name: "ota_0"},
		{Type: TypeApp, Subtype: 0x12, Offset: 0x110000, Size: 0x100000, Name: "ota_2"},
	}
	if _, err := table.OTAAppParts(); err == nil {
		t.Fatal("expected non-sequential ota subtype error")
	}
}
