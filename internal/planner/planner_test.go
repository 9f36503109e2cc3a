package planner

import (
	"testing"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/parttable"
)

func fourPartTable() *parttable.Table {
	t := parttable.New(4 << 20)
	t.Records = []*parttable.Record{
		{Type: parttable.TypeData, Subtype: 0x02, Offset: 0x9000, Size: 0x6000, Name: "nvs"},
		{Type: parttable.TypeData, Subtype: 0x01, Offset: 0xf000, Size: 0x1000, Name: "phy_init"},
		{Type: parttable.TypeApp, Subtype: 0x00, Offset: 0x10000, Size: 0x1f0000, Name: "factory"},
		{Type: parttable.TypeData, Subtype: 0x81, Offset: 0x200000, Size: 0x200000, Name: "vfs"},
	}
	return t
}

func TestResizeFlashGrowsLastPartition(t *testing.T) {
	table := fourPartTable()
	out, touched, err := Apply(table, []Directive{ResizeFlash(8 << 20)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	vfs, err := out.ByName("vfs")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if want := uint32((8 << 20) - 0x200000); vfs.Size != want {
		t.Errorf("vfs.Size = %#x, want %#x", vfs.Size, want)
	}
	if len(touched) != 1 || touched[0].Name != "vfs" {
		t.Errorf("touched = %+v, want just vfs", touched)
	}
}

func TestResizePartZeroGrowsLastToFlashEnd(t *testing.T) {
	table := fourPartTable()
	out, _, err := Apply(table, []Directive{ResizePart("vfs", 0)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	vfs, err := out.ByName("vfs")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if want := uint32(table.FlashSize) - vfs.Offset; vfs.Size != want {
		t.Errorf("vfs.Size = %#x, want %#x", vfs.Size, want)
	}
}

func TestTemplateOTAOnEightMegabyteFlash(t *testing.T) {
	table := parttable.New(8 << 20)
	out, _, err := Apply(table, []Directive{ResizeFlash(8 << 20), Template("ota", 0)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := out.ByName("otadata"); err != nil {
		t.Errorf("expected otadata partition: %v", err)
	}
	parts, err := out.OTAAppParts()
	if err != nil {
		t.Fatalf("OTAAppParts: %v", err)
	}
	if len(parts) != 2 {
		t.Errorf("got %d ota app partitions, want 2", len(parts))
	}
}

func TestDeletePartThenResizeNVS(t *testing.T) {
	table := fourPartTable()
	out, touched, err := Apply(table, []Directive{DeletePart("phy_init"), ResizePart("nvs", 0)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := out.ByName("phy_init"); err == nil {
		t.Fatal("phy_init should have been deleted")
	}
	nvs, err := out.ByName("nvs")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	factory, err := out.ByName("factory")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if nvs.End() != factory.Offset {
		t.Errorf("nvs should grow to meet factory: nvs.End()=%#x factory.Offset=%#x", nvs.End(), factory.Offset)
	}
	var sawNVS bool
	for _, tt := range touched {
		if tt.Name == "nvs" {
			sawNVS = true
		}
	}
	if !sawNVS {
		t.Errorf("expected nvs in touched list, got %+v", touched)
	}
}

func TestAddPartRejectsOverlap(t *testing.T) {
	table := fourPartTable()
	offset := uint32(0x1f0000)
	_, _, err := Apply(table, []Directive{AddPart("vfs2", "fat", &offset, 2<<20)})
	if err == nil {
		t.Fatal("expected overlap error")
	}
	if !esperr.Is(err, esperr.ErrLayout) {
		t.Errorf("error kind = %v, want ErrLayout", err)
	}
}

func TestAddPartAppendsAfterLastPartition(t *testing.T) {
	table := fourPartTable()
	out, _, err := Apply(table, []Directive{
		ResizeFlash(8 << 20),
		ResizePart("vfs", 2 << 20),
		AddPart("vfs2", "fat", nil, 2<<20),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	vfs2, err := out.ByName("vfs2")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	vfs, err := out.ByName("vfs")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if vfs2.Offset < vfs.End() {
		t.Errorf("vfs2.Offset=%#x should be at or after vfs.End()=%#x", vfs2.Offset, vfs.End())
	}
}

func TestRenamePartRejectsCollision(t *testing.T) {
	table := fourPartTable()
	if _, _, err := Apply(table, []Directive{RenamePart("phy_init", "nvs")}); err == nil {
		t.Fatal("expected name-collision error")
	}
}

func TestDeletePartUnknownNameIsNotFound(t *testing.T) {
	table := fourPartTable()
	_, _, err := Apply(table, []Directive{DeletePart("nope")})
	if !esperr.Is(err, esperr.ErrNotFound) {
		t.Errorf("error kind = %v, want ErrNotFound", err)
	}
}

func TestAppSizeResizesAppPartitionAndSlidesTail(t *testing.T) {
	table := fourPartTable()
	out, touched, err := Apply(table, []Directive{AppSize(0x200000)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	factory, err := out.ByName("factory")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if factory.Size != 0x200000 {
		t.Errorf("factory.Size = %#x, want 0x200000", factory.Size)
	}
	vfs, err := out.ByName("vfs")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if vfs.Offset != factory.End() {
		t.Errorf("vfs.Offset=%#x should follow factory.End()=%#x", vfs.Offset, factory.End())
	}
	found := false
	for _, tt := range touched {
		if tt.Name == "vfs" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected vfs to be touched by the slide, got %+v", touched)
	}
}

func TestLayoutRejectsZeroSizeBeforeLastEntry(t *testing.T) {
	table := fourPartTable()
	entries := []LayoutEntry{
		{Name: "nvs", Subtype: "nvs", Size: 0},
		{Name: "factory", Subtype: "factory", Size: 0x100000},
	}
	if _, _, err := Apply(table, []Directive{Layout(entries)}); err == nil {
		t.Fatal("expected layout error for non-terminal zero size")
	}
}

func TestReplaceTableFromCSV(t *testing.T) {
	table := fourPartTable()
	repl := parttable.New(4 << 20)
	repl.Records = []*parttable.Record{
		{Type: parttable.TypeData, Subtype: 0x02, Offset: 0x9000, Size: 0x6000, Name: "nvs"},
		{Type: parttable.TypeApp, Subtype: 0x00, Offset: 0x10000, Size: 0x3f0000, Name: "factory"},
	}
	out, _, err := Apply(table, []Directive{ReplaceTable(repl)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(out.Records))
	}
}
