package flashio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestImage(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileBackendReadWriteRoundTrip(t *testing.T) {
	path := newTestImage(t, 0x1000)
	fb, err := OpenFile(path, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fb.Close()

	ctx := context.Background()
	want := []byte("hello flash")
	if err := fb.Write(ctx, 0x10, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := fb.Read(ctx, 0x10, len(want))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read() = %q, want %q", got, want)
	}
}

func TestFileBackendRejectsOutOfBoundsAccess(t *testing.T) {
	path := newTestImage(t, 0x1000)
	fb, err := OpenFile(path, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fb.Close()

	ctx := context.Background()
	if _, err := fb.Read(ctx, 0xf00, 0x200); err == nil {
		t.Fatal("expected out-of-bounds read to fail")
	}
}

func TestFileBackendErase(t *testing.T) {
	path := newTestImage(t, 0x1000)
	fb, err := OpenFile(path, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fb.Close()

	ctx := context.Background()
	if err := fb.Write(ctx, 0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fb.Erase(ctx, 0, 0x1000); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	got, err := fb.Read(ctx, 0, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, b := range got {
		if b != 0xFF {
			t.Fatalf("Read() after Erase = %x, want all 0xFF", got)
		}
	}
}

func TestFileBackendSetReportedSizeExtendsFile(t *testing.T) {
	path := newTestImage(t, 0x1000)
	fb, err := OpenFile(path, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fb.Close()

	ctx := context.Background()
	if err := fb.SetReportedSize(ctx, 0x2000); err != nil {
		t.Fatalf("SetReportedSize: %v", err)
	}
	if fb.Size() != 0x2000 {
		t.Errorf("Size() = %#x, want 0x2000", fb.Size())
	}
	got, err := fb.Read(ctx, 0x1800, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, b := range got {
		if b != 0xFF {
			t.Fatalf("extended region = %x, want all 0xFF", got)
		}
	}
}

func TestFileBackendRejectsSecondLock(t *testing.T) {
	path := newTestImage(t, 0x1000)
	fb, err := OpenFile(path, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fb.Close()

	if _, err := OpenFile(path, 0); err == nil {
		t.Fatal("expected second OpenFile on the same path to fail")
	}
}
