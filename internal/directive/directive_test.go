package directive

import "testing"

func TestParseSizeUnits(t *testing.T) {
	cases := map[string]uint64{
		"0x1000":  0x1000,
		"4":       4,
		"2B":      2 * 0x1000,
		"1K":      1024,
		"1k":      1024,
		"2M":      2 * 1024 * 1024,
		"0x2M":    2 * 1024 * 1024,
		"0x400K":  0x400 * 1024,
		"0x1f0000": 0x1f0000,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSize(%q) = %#x, want %#x", in, got, want)
		}
	}
}

func TestParseSizeRejectsEmpty(t *testing.T) {
	if _, err := ParseSize(""); err == nil {
		t.Error("ParseSize(\"\") should error")
	}
	if _, err := ParseSize("M"); err == nil {
		t.Error("ParseSize(\"M\") should error")
	}
}

func TestParsePartList(t *testing.T) {
	nvs, err := ParsePartList("factory=0x2M,vfs=0x400K")
	if err != nil {
		t.Fatalf("ParsePartList error: %v", err)
	}
	if len(nvs) != 2 || nvs[0].Name != "factory" || nvs[0].Value != "0x2M" || !nvs[0].HasValue {
		t.Errorf("unexpected entry 0: %+v", nvs[0])
	}
	if nvs[1].Name != "vfs" || nvs[1].Value != "0x400K" {
		t.Errorf("unexpected entry 1: %+v", nvs[1])
	}
}

func TestParsePartListBareNames(t *testing.T) {
	nvs, err := ParsePartList("nvs,phy_init")
	if err != nil {
		t.Fatalf("ParsePartList error: %v", err)
	}
	if len(nvs) != 2 || nvs[0].HasValue || nvs[1].HasValue {
		t.Errorf("expected bare names with no values, got %+v", nvs)
	}
}

func TestParseSizeListRequiresValue(t *testing.T) {
	if _, err := ParseSizeList("nvs"); err == nil {
		t.Error("expected error for missing =SIZE")
	}
	nvs, err := ParseSizeList("factory=0x2M")
	if err != nil || len(nvs) != 1 {
		t.Fatalf("ParseSizeList(factory=0x2M) = %v, %v", nvs, err)
	}
}

func TestParseRenameList(t *testing.T) {
	pairs, err := ParseRenameList("old=new,vfs=ffat")
	if err != nil {
		t.Fatalf("ParseRenameList error: %v", err)
	}
	want := []RenamePair{{Old: "old", New: "new"}, {Old: "vfs", New: "ffat"}}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs, want %d", len(pairs), len(want))
	}
	for i, p := range pairs {
		if p != want[i] {
			t.Errorf("pair %d = %+v, want %+v", i, p, want[i])
		}
	}
}

func TestParseAddSpec3Field(t *testing.T) {
	spec, err := ParseAddSpec("extra:data:0x10000")
	if err != nil {
		t.Fatalf("ParseAddSpec error: %v", err)
	}
	if spec.Name != "extra" || spec.Subtype != "data" || spec.Offset != nil || spec.Size != 0x10000 {
		t.Errorf("unexpected spec: %+v", spec)
	}
}

func TestParseAddSpec4FieldWithOffset(t *testing.T) {
	spec, err := ParseAddSpec("extra:data:0x180000:0x10000")
	if err != nil {
		t.Fatalf("ParseAddSpec error: %v", err)
	}
	if spec.Offset == nil || *spec.Offset != 0x180000 || spec.Size != 0x10000 {
		t.Errorf("unexpected spec: %+v", spec)
	}
}

func TestParseAddSpec4FieldEmptyOffset(t *testing.T) {
	spec, err := ParseAddSpec("extra:data::0x10000")
	if err != nil {
		t.Fatalf("ParseAddSpec error: %v", err)
	}
	if spec.Offset != nil {
		t.Errorf("expected nil offset for empty field, got %v", *spec.Offset)
	}
	if spec.Size != 0x10000 {
		t.Errorf("unexpected size: %#x", spec.Size)
	}
}

func TestParseAddSpecRejectsBadFieldCount(t *testing.T) {
	if _, err := ParseAddSpec("extra:data"); err == nil {
		t.Error("expected error for 2-field add-spec")
	}
	if _, err := ParseAddSpec("extra:data:1:2:3"); err == nil {
		t.Error("expected error for 5-field add-spec")
	}
}

func TestParseAddSpecList(t *testing.T) {
	specs, err := ParseAddSpecList("a:data:0x1000,b:app:0x20000:0x100000")
	if err != nil {
		t.Fatalf("ParseAddSpecList error: %v", err)
	}
	if len(specs) != 2 || specs[0].Name != "a" || specs[1].Name != "b" {
		t.Errorf("unexpected specs: %+v", specs)
	}
}

func TestParseFsCommand(t *testing.T) {
	cmd, args, err := ParseFsCommand(`put boot.py "/lib/boot.py"`)
	if err != nil {
		t.Fatalf("ParseFsCommand error: %v", err)
	}
	if cmd != "put" || len(args) != 2 || args[0] != "boot.py" || args[1] != "/lib/boot.py" {
		t.Errorf("got cmd=%q args=%v", cmd, args)
	}
}

func TestParseFsCommandEmpty(t *testing.T) {
	if _, _, err := ParseFsCommand("   "); err == nil {
		t.Error("expected error for empty --fs argument")
	}
}
