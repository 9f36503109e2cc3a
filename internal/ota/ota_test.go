package ota

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/espfw/esp32img/internal/flashio"
	"github.com/espfw/esp32img/internal/partio"
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

func makeImage(size int) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = 0xFF
	}
	img[0] = 0xE9 // magic
	img[1] = 0    // num_segments
	img[12] = 0   // chip_id low byte (esp32)
	img[13] = 0
	img[23] = 0 // hash_appended = false, keep things simple
	return img
}

func TestReadStatusNoActiveRecord(t *testing.T) {
	dev := newDevice(t, 0x20000)
	rec := &parttable.Record{Type: parttable.TypeData, Offset: 0x10000, Size: 0x2000, Name: "otadata"}
	pio := partio.Open(dev, rec)

	st, err := ReadStatus(context.Background(), pio, 2)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if st.ActiveIdx != -1 {
		t.Errorf("ActiveIdx = %d, want -1 on blank otadata", st.ActiveIdx)
	}
	if st.NextSlot() != 0 {
		t.Errorf("NextSlot() = %d, want 0", st.NextSlot())
	}
}

func TestUpdateSelectsInactiveSlotAndAdvancesSeq(t *testing.T) {
	dev := newDevice(t, 0x300000)
	otaRec := &parttable.Record{Type: parttable.TypeData, Offset: 0x10000, Size: 0x2000, Name: "otadata"}
	ota0Rec := &parttable.Record{Type: parttable.TypeApp, Offset: 0x20000, Size: 0x100000, Name: "ota_0"}
	ota1Rec := &parttable.Record{Type: parttable.TypeApp, Offset: 0x120000, Size: 0x100000, Name: "ota_1"}
	otaPIO := partio.Open(dev, otaRec)
	u := &Updater{
		Otadata:  otaPIO,
		AppParts: []*partio.PartitionIO{partio.Open(dev, ota0Rec), partio.Open(dev, ota1Rec)},
	}

	// Seed an active record at index 0 with seq=3 (selects slot (3-1)%2 = 0).
	seedRec := &Record{Seq: 3, State: StateValid}
	for i := range seedRec.Label {
		seedRec.Label[i] = 0xFF
	}
	if err := otaPIO.Write(context.Background(), 0, recordBlock(seedRec)); err != nil {
		t.Fatalf("seeding otadata: %v", err)
	}

	img := makeImage(0x1000)
	slot, err := u.Update(context.Background(), img, true, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if slot != 1 {
		t.Errorf("Update() picked slot %d, want 1 (the inactive one)", slot)
	}

	st, err := ReadStatus(context.Background(), otaPIO, 2)
	if err != nil {
		t.Fatalf("ReadStatus after update: %v", err)
	}
	if st.Records[0].Seq != 3 {
		t.Errorf("old record seq = %d, want unchanged 3", st.Records[0].Seq)
	}
	if st.Records[1].Seq != 4 {
		t.Errorf("new record seq = %d, want 4", st.Records[1].Seq)
	}

	writtenHead, err := u.AppParts[1].Read(context.Background(), 0, len(img))
	if err != nil {
		t.Fatalf("reading written image: %v", err)
	}
	if !bytes.Equal(writtenHead[:5], img[:5]) {
		t.Errorf("written image head mismatch")
	}

	// Active slot 0's image region must remain untouched (all-erased, since
	// we never wrote anything there).
	untouched, err := u.AppParts[0].Read(context.Background(), 0, 16)
	if err != nil {
		t.Fatalf("reading untouched slot: %v", err)
	}
	for _, b := range untouched {
		if b != 0xFF {
			t.Fatalf("active slot 0 was modified: %x", untouched)
		}
	}
}
