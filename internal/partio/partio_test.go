package partio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/espfw/esp32img/internal/flashio"
	"github.com/espfw/esp32img/internal/parttable"
)

func newDevice(t *testing.T, size int) flashio.Device {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	fb, err := flashio.OpenFile(path, uint64(size))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { fb.Close() })
	return fb
}

func TestPartitionIOClampsAccess(t *testing.T) {
	dev := newDevice(t, 0x20000)
	rec := &parttable.Record{Type: parttable.TypeData, Offset: 0x10000, Size: 0x1000, Name: "nvs"}
	pio := Open(dev, rec)

	ctx := context.Background()
	if _, err := pio.Read(ctx, 0xf00, 0x200); err == nil {
		t.Fatal("expected clamp error reading past partition end")
	}
	if err := pio.Write(ctx, 0, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := pio.Read(ctx, 0, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("abc")) {
		t.Errorf("Read() = %q, want abc", got)
	}
}

func TestPartitionIOBlockCount(t *testing.T) {
	dev := newDevice(t, 0x20000)
	rec := &parttable.Record{Type: parttable.TypeData, Offset: 0x10000, Size: 0x2500, Name: "nvs"}
	pio := Open(dev, rec)
	if got := pio.BlockCount(); got != 3 {
		t.Errorf("BlockCount() = %d, want 3", got)
	}
}

func TestTrim(t *testing.T) {
	data := append([]byte("hello"), bytes.Repeat([]byte{0xFF}, 100)...)
	trimmed := Trim(data)
	if len(trimmed) != 16 {
		t.Errorf("len(Trim(...)) = %d, want 16", len(trimmed))
	}
	for _, b := range trimmed[:5] {
		if b == 0xFF {
			t.Fatalf("Trim() dropped non-FF prefix: %v", trimmed)
		}
	}
}

func TestTrimBlocks(t *testing.T) {
	data := append([]byte("hello"), bytes.Repeat([]byte{0xFF}, 5000)...)
	trimmed := TrimBlocks(data)
	if len(trimmed) != flashio.BlockSize {
		t.Errorf("len(TrimBlocks(...)) = %d, want %#x", len(trimmed), flashio.BlockSize)
	}
}

func TestTrimAllErased(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF}, 100)
	trimmed := Trim(data)
	if len(trimmed) != 0 {
		t.Errorf("Trim(all-erased) = %d bytes, want 0", len(trimmed))
	}
}
