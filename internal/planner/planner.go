// Package planner implements the algorithms that turn a PartitionTable and
// an ordered list of directives into a new, legal PartitionTable (spec.md
// §4.4), including the side-effect plan of data partitions that must be
// erased afterwards (spec.md §4.4 "Side-effect plan").
//
// Ground: original_source/src/mp_image_tool_esp32/partition_table.py
// (add_part, resize_part, check) and layouts.py (new_table, ota_layout).
package planner

import (
	"sort"

	"github.com/golang/glog"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/parttable"
)

// Kind tags which directive a Directive value carries.
type Kind int

const (
	KindResizeFlash Kind = iota
	KindTemplate
	KindLayout
	KindAddPart
	KindDeletePart
	KindResizePart
	KindRenamePart
	KindAppSize
	KindReplaceTable
)

// LayoutEntry is one (name, subtype, size) tuple in a TableLayout
// directive or a resolved template. Offset is nil unless the caller pins
// a specific starting offset (AddPart); otherwise the planner assigns the
// next aligned free slot.
type LayoutEntry struct {
	Name    string
	Subtype string
	Offset  *uint32
	Size    uint64
}

// Directive is a single planner instruction, per spec.md §3's Directive
// type (the I/O-only directives - Read/Write/Erase/OtaUpdate/Flash/Fs -
// are not planner concerns and live in the firmware facade instead).
type Directive struct {
	Kind Kind

	FlashSize uint64

	TemplateName string
	TemplateApp  uint64 // optional AppSize override used when resolving the "ota" template

	Layout []LayoutEntry

	AddName    string
	AddSubtype string
	AddOffset  *uint32
	AddSize    uint64

	DeleteNames []string

	ResizeName string
	ResizeSize uint64

	RenameOld string
	RenameNew string

	AppSize uint64

	ReplaceTable *parttable.Table
}

func ResizeFlash(size uint64) Directive { return Directive{Kind: KindResizeFlash, FlashSize: size} }
func Template(name string, appSizeOverride uint64) Directive {
	return Directive{Kind: KindTemplate, TemplateName: name, TemplateApp: appSizeOverride}
}
func Layout(entries []LayoutEntry) Directive { return Directive{Kind: KindLayout, Layout: entries} }
func AddPart(name, subtype string, offset *uint32, size uint64) Directive {
	return Directive{Kind: KindAddPart, AddName: name, AddSubtype: subtype, AddOffset: offset, AddSize: size}
}
func DeletePart(names ...string) Directive { return Directive{Kind: KindDeletePart, DeleteNames: names} }
func ResizePart(name string, size uint64) Directive {
	return Directive{Kind: KindResizePart, ResizeName: name, ResizeSize: size}
}
func RenamePart(oldName, newName string) Directive {
	return Directive{Kind: KindRenamePart, RenameOld: oldName, RenameNew: newName}
}
func AppSize(size uint64) Directive       { return Directive{Kind: KindAppSize, AppSize: size} }
func ReplaceTable(t *parttable.Table) Directive { return Directive{Kind: KindReplaceTable, ReplaceTable: t} }

// Touched describes one partition (data or app, see IsData) whose byte range changed across a
// planning run, per spec.md §4.4's side-effect plan. AppOffsetOnly is true
// for an app partition whose offset moved but size didn't (warned about,
// not auto-erased).
type Touched struct {
	Name          string
	OldOffset     uint32
	OldSize       uint32
	NewOffset     uint32
	NewSize       uint32
	IsData        bool
	AppOffsetOnly bool
}

func roundUp(v, align uint64) uint64 { return (v + align - 1) / align * align }

// Apply runs directives in order against a copy of table and returns the
// resulting table plus the side-effect plan. table is never mutated.
func Apply(table *parttable.Table, directives []Directive) (*parttable.Table, []Touched, error) {
	before := snapshot(table)
	work := &parttable.Table{
		FlashSize:   table.FlashSize,
		TableOffset: table.TableOffset,
		Records:     cloneRecords(table.Records),
	}

	for i, d := range directives {
		if err := applyOne(work, d); err != nil {
			if esperr.Is(err, esperr.ErrNotFound) {
				return nil, nil, err
			}
			return nil, nil, esperr.Layout("directive %d: %v", i, err)
		}
		if err := normalize(work); err != nil {
			return nil, nil, esperr.Layout("directive %d left an invalid table: %v", i, err)
		}
	}
	if err := normalize(work); err != nil {
		return nil, nil, err
	}
	if err := work.Check(); err != nil {
		return nil, nil, err
	}
	return work, touchedPartitions(before, work), nil
}

func applyOne(work *parttable.Table, d Directive) error {
	switch d.Kind {
	case KindResizeFlash:
		return applyResizeFlash(work, d.FlashSize)
	case KindTemplate:
		entries, err := templateLayout(d.TemplateName, func() uint64 {
			if d.FlashSize != 0 {
				return d.FlashSize
			}
			return work.FlashSize
		}(), d.TemplateApp)
		if err != nil {
			return err
		}
		return applyLayout(work, entries)
	case KindLayout:
		return applyLayout(work, d.Layout)
	case KindAddPart:
		return applyAddPart(work, d.AddName, d.AddSubtype, d.AddOffset, d.AddSize)
	case KindDeletePart:
		return applyDeletePart(work, d.DeleteNames)
	case KindResizePart:
		return applyResizePart(work, d.ResizeName, d.ResizeSize)
	case KindRenamePart:
		return applyRenamePart(work, d.RenameOld, d.RenameNew)
	case KindAppSize:
		return applyAppSize(work, d.AppSize)
	case KindReplaceTable:
		work.Records = cloneRecords(d.ReplaceTable.Records)
		return nil
	default:
		return esperr.Layout("unknown directive kind %d", d.Kind)
	}
}

// applyResizeFlash sets flash_size and grows/shrinks the last partition to
// fill the new size. Ground: spec.md §4.4 ResizeFlash.
func applyResizeFlash(work *parttable.Table, size uint64) error {
	work.FlashSize = size
	if len(work.Records) == 0 {
		return nil
	}
	sorted := sortedCopy(work.Records)
	last := sorted[len(sorted)-1]
	fixedEnd := uint64(0)
	for _, r := range sorted[:len(sorted)-1] {
		if end := uint64(r.End()); end > fixedEnd {
			fixedEnd = end
		}
	}
	if fixedEnd > size {
		return esperr.Layout("fixed partitions extend to %#x, beyond new flash size %#x", fixedEnd, size)
	}
	if size < uint64(last.Offset) {
		return esperr.Layout("last partition %q starts at %#x, beyond new flash size %#x", last.Name, last.Offset, size)
	}
	last.Size = uint32(size - uint64(last.Offset))
	return nil
}

// applyLayout replaces the whole table with entries, laid out sequentially
// starting at FirstPartOffset. Ground: partition_table.py: add_part;
// layouts.py: new_table.
func applyLayout(work *parttable.Table, entries []LayoutEntry) error {
	work.Records = nil
	offset := uint64(parttable.FirstPartOffset)
	for i, e := range entries {
		typ, subtype, err := resolveSubtype(e.Name, e.Subtype)
		if err != nil {
			return err
		}
		start := offset
		if e.Offset != nil {
			start = uint64(*e.Offset)
		}
		if typ == parttable.TypeApp {
			start = roundUp(start, parttable.AppAlignment)
		}
		size := e.Size
		if size == 0 {
			if i != len(entries)-1 {
				return esperr.Layout("zero size (\"fill remaining space\") is only valid on the last layout entry (got it at entry %d)", i)
			}
			if start >= work.FlashSize {
				return esperr.Layout("no room left on flash for partition %q", e.Name)
			}
			size = work.FlashSize - start
		}
		rec := &parttable.Record{Type: typ, Subtype: subtype, Offset: uint32(start), Size: uint32(roundUp(size, parttable.BlockSize)), Name: e.Name}
		work.Records = append(work.Records, rec)
		offset = start + uint64(rec.Size)
	}
	return nil
}

func resolveSubtype(name, subtype string) (parttable.Type, uint8, error) {
	sub := subtype
	if sub == "" {
		sub = defaultSubtypeForName(name)
	}
	return parttable.SubtypeByName(sub)
}

// defaultSubtypeForName infers a subtype from a partition name when the
// directive omits one. Ground: layouts.py: default_subtype, get_subtype.
func defaultSubtypeForName(name string) string {
	switch name {
	case "otadata":
		return "ota"
	case "vfs", "vfs2":
		return "fat"
	case "phy_init":
		return "phy"
	default:
		return name
	}
}

// applyAddPart inserts a new partition at the next aligned free slot
// (after the last existing partition) unless offset is given explicitly.
// Ground: spec.md §4.4 AddPart; partition_table.py: add_part.
func applyAddPart(work *parttable.Table, name, subtype string, offset *uint32, size uint64) error {
	if _, err := work.ByName(name); err == nil {
		return esperr.Layout("partition %q already exists", name)
	}
	typ, sub, err := resolveSubtype(name, subtype)
	if err != nil {
		return err
	}
	start := nextFreeOffset(work)
	if offset != nil {
		start = uint64(*offset)
	}
	if typ == parttable.TypeApp {
		start = roundUp(start, parttable.AppAlignment)
	}
	size = roundUp(size, parttable.BlockSize)
	rec := &parttable.Record{Type: typ, Subtype: sub, Offset: uint32(start), Size: uint32(size), Name: name}
	for _, other := range work.Records {
		if rec.Overlaps(other) {
			return esperr.Layout("new partition %q (%#x-%#x) overlaps existing partition %q (%#x-%#x)",
				name, rec.Offset, rec.End(), other.Name, other.Offset, other.End())
		}
	}
	if uint64(rec.End()) > work.FlashSize {
		return esperr.Layout("new partition %q (ending at %#x) exceeds flash size %#x", name, rec.End(), work.FlashSize)
	}
	work.Records = append(work.Records, rec)
	return nil
}

func nextFreeOffset(work *parttable.Table) uint64 {
	if len(work.Records) == 0 {
		return parttable.FirstPartOffset
	}
	sorted := sortedCopy(work.Records)
	last := sorted[len(sorted)-1]
	return roundUp(uint64(last.End()), parttable.BlockSize)
}

// applyDeletePart removes named partitions without repacking the rest.
// Ground: spec.md §4.4 DeletePart.
func applyDeletePart(work *parttable.Table, names []string) error {
	remove := make(map[string]bool, len(names))
	for _, n := range names {
		remove[n] = true
	}
	out := work.Records[:0:0]
	for _, r := range work.Records {
		if !remove[r.Name] {
			out = append(out, r)
		} else {
			delete(remove, r.Name)
		}
	}
	if len(remove) > 0 {
		for n := range remove {
			return esperr.NotFound(n)
		}
	}
	work.Records = out
	return nil
}

// applyResizePart grows or shrinks name, then pushes each following
// partition forward just far enough not to overlap its predecessor; free
// space between partitions absorbs growth first, and a shrink moves no
// following partition back. A following partition pushed past flash end
// is truncated to end there. size==0 means grow to consume all free
// space up to the next fixed entry, or to flash end if it is last.
// Ground: partition_table.py: resize_part.
func applyResizePart(work *parttable.Table, name string, size uint64) error {
	sorted := sortedCopy(work.Records)
	idx := -1
	for i, r := range sorted {
		if r.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return esperr.NotFound(name)
	}
	target := sorted[idx]
	newSize := size
	if newSize == 0 {
		var upper uint64
		if idx+1 < len(sorted) {
			upper = uint64(sorted[idx+1].Offset)
		} else {
			upper = work.FlashSize
		}
		if upper <= uint64(target.Offset) {
			return esperr.Layout("partition %q has no free space to grow into", name)
		}
		newSize = upper - uint64(target.Offset)
	}
	target.Size = uint32(roundUp(newSize, parttable.BlockSize))
	offset := uint64(target.End())
	for i := idx + 1; i < len(sorted); i++ {
		r := sorted[i]
		if offset > uint64(r.Offset) {
			r.Offset = uint32(offset)
		}
		if uint64(r.End()) > work.FlashSize {
			if uint64(r.Offset) >= work.FlashSize {
				return esperr.Layout("partition %q pushed entirely off the end of flash by resizing %q", r.Name, name)
			}
			r.Size = uint32(work.FlashSize - uint64(r.Offset))
		}
		offset = uint64(r.End())
	}
	work.Records = sorted
	return nil
}

// applyRenamePart is pure metadata. Ground: spec.md §4.4 RenamePart.
func applyRenamePart(work *parttable.Table, oldName, newName string) error {
	r, err := work.ByName(oldName)
	if err != nil {
		return err
	}
	if _, err := work.ByName(newName); err == nil {
		return esperr.Layout("partition %q already exists", newName)
	}
	r.Name = newName
	return nil
}

// applyAppSize resizes every app-type partition to size and slides the
// tail of the table to match. Ground: spec.md §4.4 AppSize.
func applyAppSize(work *parttable.Table, size uint64) error {
	for _, r := range sortedCopy(work.Records) {
		if r.Type == parttable.TypeApp {
			if err := applyResizePart(work, r.Name, size); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalize re-applies the alignment/ordering rules from spec.md §4.4:
// round sizes up to 0x1000, round app offsets up to 0x10000, re-sort, and
// reject overlaps. Duplicate names and the other table invariants are
// checked by Table.Check at the end of Apply.
func normalize(work *parttable.Table) error {
	for _, r := range work.Records {
		r.Size = uint32(roundUp(uint64(r.Size), parttable.BlockSize))
		if r.Type == parttable.TypeApp {
			r.Offset = uint32(roundUp(uint64(r.Offset), parttable.AppAlignment))
		}
	}
	sort.Slice(work.Records, func(i, j int) bool { return work.Records[i].Offset < work.Records[j].Offset })
	for i := 1; i < len(work.Records); i++ {
		if work.Records[i].Offset < work.Records[i-1].End() {
			return esperr.Layout("partitions %q and %q overlap", work.Records[i-1].Name, work.Records[i].Name)
		}
	}
	return nil
}

func snapshot(t *parttable.Table) map[string]*parttable.Record {
	m := make(map[string]*parttable.Record, len(t.Records))
	for _, r := range t.Records {
		copyR := *r
		m[r.Name] = &copyR
	}
	return m
}

func touchedPartitions(before map[string]*parttable.Record, after *parttable.Table) []Touched {
	var out []Touched
	for _, r := range after.Records {
		old, existed := before[r.Name]
		if !existed {
			if r.Type == parttable.TypeData {
				out = append(out, Touched{Name: r.Name, NewOffset: r.Offset, NewSize: r.Size, IsData: true})
			}
			continue
		}
		if old.Offset == r.Offset && old.Size == r.Size {
			continue
		}
		t := Touched{
			Name: r.Name, OldOffset: old.Offset, OldSize: old.Size, NewOffset: r.Offset, NewSize: r.Size,
			IsData: r.Type == parttable.TypeData,
		}
		if r.Type == parttable.TypeApp && old.Size == r.Size && old.Offset != r.Offset {
			t.AppOffsetOnly = true
		}
		out = append(out, t)
	}
	glog.V(1).Infof("planner: %d partitions touched", len(out))
	return out
}

func cloneRecords(in []*parttable.Record) []*parttable.Record {
	out := make([]*parttable.Record, len(in))
	for i, r := range in {
		copyR := *r
		out[i] = &copyR
	}
	return out
}

func sortedCopy(in []*parttable.Record) []*parttable.Record {
	out := cloneShallow(in)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// cloneShallow copies the slice (not the pointed-to Records) so sorting
// doesn't reorder the caller's backing array, while still letting callers
// mutate the Records in place (they're the same pointers as work.Records).
func cloneShallow(in []*parttable.Record) []*parttable.Record {
	out := make([]*parttable.Record, len(in))
	copy(out, in)
	return out
}
