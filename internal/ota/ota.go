// Package ota implements the otadata record codec and the OTA update
// state machine (spec C7): slot selection, image staging, and the
// new-record-first / old-record-last otadata write order.
//
// Ground: spec.md §4.7 and SPEC_FULL.md's C7 supplement; record layout
// modeled on original_source's ota_update.py, write-progress texture
// modeled on mongoose-os-mos/mos/ota/ota.go's OTA() loop.
package ota

import (
	"context"
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/glog"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/espimage"
	"github.com/espfw/esp32img/internal/flashio"
	"github.com/espfw/esp32img/internal/partio"
	"github.com/espfw/esp32img/internal/parttable"
)

// RecordSize is the size in bytes of one otadata record.
const RecordSize = 32

// recordStride is the distance between the two otadata records; each lives
// in its own flash block, not packed tightly.
const recordStride = flashio.BlockSize

// State is an otadata record's validity/rollback state.
type State uint32

const (
	StateNew       State = 0
	StatePending   State = 1
	StateValid     State = 2
	StateInvalid   State = 3
	StateAborted   State = 4
	StateUndefined State = 0xFFFFFFFF
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePending:
		return "pending"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateAborted:
		return "aborted"
	case StateUndefined:
		return "undefined"
	default:
		return "unknown"
	}
}

// Record is one decoded otadata slot-selector entry.
type Record struct {
	Seq   uint32
	Label [20]byte
	State State
	CRC   uint32
}

// crcOf matches ota_update.py: ota_crc, which runs binascii.crc32 over the
// little-endian sequence number with the initial value 0xFFFFFFFF (not
// CRC-32/IEEE's own 0 init), since the real ESP-IDF bootloader validates
// otadata records against that exact CRC.
func crcOf(seq uint32) uint32 {
	b := []byte{byte(seq), byte(seq >> 8), byte(seq >> 16), byte(seq >> 24)}
	return crc32.Update(0xFFFFFFFF, crc32.IEEETable, b)
}

func parseRecord(data []byte) (*Record, error) {
	if len(data) < RecordSize {
		return nil, esperr.BadTable("otadata record truncated: got %d bytes, need %d", len(data), RecordSize)
	}
	r := &Record{
		Seq:   binary.LittleEndian.Uint32(data[0:4]),
		State: State(binary.LittleEndian.Uint32(data[24:28])),
		CRC:   binary.LittleEndian.Uint32(data[28:32]),
	}
	copy(r.Label[:], data[4:24])
	return r, nil
}

func (r *Record) emit() []byte {
	b := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(b[0:4], r.Seq)
	copy(b[4:24], r.Label[:])
	binary.LittleEndian.PutUint32(b[24:28], uint32(r.State))
	binary.LittleEndian.PutUint32(b[28:32], crcOf(r.Seq))
	return b
}

// Valid reports whether r's stored CRC matches its seq.
func (r *Record) Valid() bool { return r.CRC == crcOf(r.Seq) }

// Status describes the decoded state of an otadata partition.
type Status struct {
	Records    [2]*Record
	ActiveIdx  int // index into Records of the currently active slot (-1 if none valid)
	ActiveSlot int // the ota_N slot number the active record selects
	NumSlots   int
}

// ReadStatus decodes both otadata records from pio and determines which
// is active: the valid record with the highest seq (ground: ota_update.py:
// _ota_status).
func ReadStatus(ctx context.Context, pio *partio.PartitionIO, numSlots int) (*Status, error) {
	st := &Status{ActiveIdx: -1, NumSlots: numSlots}
	for i := 0; i < 2; i++ {
		data, err := pio.Read(ctx, uint64(i*recordStride), RecordSize)
		if err != nil {
			return nil, err
		}
		rec, err := parseRecord(data)
		if err != nil {
			return nil, err
		}
		st.Records[i] = rec
		if !rec.Valid() || rec.State != StateValid {
			continue
		}
		if st.ActiveIdx == -1 || rec.Seq > st.Records[st.ActiveIdx].Seq {
			st.ActiveIdx = i
		}
	}
	if st.ActiveIdx >= 0 {
		st.ActiveSlot = int((st.Records[st.ActiveIdx].Seq - 1)) % numSlots
		if st.ActiveSlot < 0 {
			st.ActiveSlot += numSlots
		}
	}
	return st, nil
}

// NextSlot returns the slot that the next update should target: the
// (ActiveSlot+1)%NumSlots, or 0 if no slot is currently active (ground:
// ota_update.py: _ota_app_part picking the "other" slot for N=2; this
// generalizes to N slots by round-robin).
func (s *Status) NextSlot() int {
	if s.ActiveIdx < 0 {
		return 0
	}
	return (s.ActiveSlot + 1) % s.NumSlots
}

// NextSeq returns the seq value the new record should carry.
func (s *Status) NextSeq() uint32 {
	if s.ActiveIdx < 0 {
		return 1
	}
	return s.Records[s.ActiveIdx].Seq + 1
}

// Updater drives an OTA update against a firmware's otadata and ota_N app
// partitions.
type Updater struct {
	Otadata  *partio.PartitionIO
	AppParts []*partio.PartitionIO // indexed by slot number
}

// Update performs spec.md §4.7's six-step OTA sequence: validate the
// image, pick the inactive slot, erase+write it, flip otadata with the old
// record written last (the new record's state is NEW when rollback is set,
// UNDEFINED otherwise), and report the slot written; hard_reset is left to
// the caller.
func (u *Updater) Update(ctx context.Context, image []byte, rollback bool, progress flashio.ProgressFunc) (slot int, err error) {
	hdr, err := espimage.Parse(image)
	if err != nil {
		return 0, err
	}
	st, err := ReadStatus(ctx, u.Otadata, len(u.AppParts))
	if err != nil {
		return 0, err
	}
	slot = st.NextSlot()
	target := u.AppParts[slot]
	size, err := hdr.SizeOfImage(image)
	if err != nil {
		return 0, err
	}
	if uint64(size) > target.Size() {
		return 0, esperr.Range("image (%#x bytes) does not fit in ota_%d (%#x bytes)", size, slot, target.Size())
	}
	glog.Infof("ota: writing %#x bytes to ota_%d (currently inactive slot)", size, slot)
	if err := target.Erase(ctx, 0, flashio.BlockSize); err != nil {
		return 0, esperr.Device("erasing ota_%d before write: %v", slot, err)
	}
	if err := target.WriteAppImage(ctx, image); err != nil {
		return 0, esperr.Device("writing ota_%d: %v", slot, err)
	}

	newState := StateNew
	if !rollback {
		newState = StateUndefined
	}
	newRec := &Record{Seq: st.NextSeq(), State: newState}
	for i := range newRec.Label {
		newRec.Label[i] = 0xFF
	}

	// newSlotIdx/oldSlotIdx are record indices (0 or 1), not ota_N slot
	// numbers: whichever otadata record currently holds the active seq
	// keeps its block, re-stamped VALID, and is written last; the other
	// record's block gets the new seq and is written first. If neither
	// record is currently valid (a blank otadata), the new record goes to
	// index 0.
	newSlotIdx := 0
	if st.ActiveIdx == 0 {
		newSlotIdx = 1
	}
	oldSlotIdx := 1 - newSlotIdx

	if err := u.Otadata.Write(ctx, uint64(newSlotIdx*recordStride), recordBlock(newRec)); err != nil {
		return slot, esperr.Device("writing new otadata record: %v", err)
	}
	oldRec := &Record{Seq: 0, State: StateInvalid}
	if st.ActiveIdx >= 0 {
		oldRec = st.Records[st.ActiveIdx]
		oldRec.State = StateValid
	}
	if err := u.Otadata.Write(ctx, uint64(oldSlotIdx*recordStride), recordBlock(oldRec)); err != nil {
		return slot, esperr.Device("writing old otadata record: %v", err)
	}
	glog.Infof("ota: otadata now selects ota_%d (seq=%d)", slot, newRec.Seq)
	return slot, nil
}

// recordBlock returns r's encoded bytes followed by 0xFF padding out to a
// full flash block, since each otadata record occupies its own block.
func recordBlock(r *Record) []byte {
	b := make([]byte, recordStride)
	for i := range b {
		b[i] = 0xFF
	}
	copy(b, r.emit())
	return b
}

// AppPartsFromTable resolves the sequential ota_N app partitions from t in
// slot order, for use as Updater.AppParts.
func AppPartsFromTable(t *parttable.Table) ([]*parttable.Record, error) {
	return t.OTAAppParts()
}

