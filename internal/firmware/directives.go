package firmware

import (
	"context"

	"github.com/espfw/esp32img/internal/planner"
)

// ResizeFlash changes the declared flash size and grows/shrinks the last
// partition to fill it.
func (fw *Firmware) ResizeFlash(ctx context.Context, size uint64) error {
	return fw.Apply(ctx, []planner.Directive{planner.ResizeFlash(size)})
}

// ApplyTemplate replaces the table with a canonical layout ("default",
// "original", or "ota"); appSizeOverride is only meaningful for "ota" (0
// uses the flash-size-based default).
func (fw *Firmware) ApplyTemplate(ctx context.Context, name string, appSizeOverride uint64) error {
	return fw.Apply(ctx, []planner.Directive{planner.Template(name, appSizeOverride)})
}

// ApplyLayout replaces the table with an explicit sequence of entries.
func (fw *Firmware) ApplyLayout(ctx context.Context, entries []planner.LayoutEntry) error {
	return fw.Apply(ctx, []planner.Directive{planner.Layout(entries)})
}

// AddPart adds a new partition at the next free offset, or at offset if
// given.
func (fw *Firmware) AddPart(ctx context.Context, name, subtype string, offset *uint32, size uint64) error {
	return fw.Apply(ctx, []planner.Directive{planner.AddPart(name, subtype, offset, size)})
}

// DeletePart removes one or more partitions by name.
func (fw *Firmware) DeletePart(ctx context.Context, names ...string) error {
	return fw.Apply(ctx, []planner.Directive{planner.DeletePart(names...)})
}

// ResizePart grows or shrinks a named partition; size 0 means "grow to
// fill the gap before the next partition, or flash end if last".
func (fw *Firmware) ResizePart(ctx context.Context, name string, size uint64) error {
	return fw.Apply(ctx, []planner.Directive{planner.ResizePart(name, size)})
}

// RenamePart renames a partition, purely metadata.
func (fw *Firmware) RenamePart(ctx context.Context, oldName, newName string) error {
	return fw.Apply(ctx, []planner.Directive{planner.RenamePart(oldName, newName)})
}

// AppSize resizes every app-type partition to size, sliding the table's
// tail to match.
func (fw *Firmware) AppSize(ctx context.Context, size uint64) error {
	return fw.Apply(ctx, []planner.Directive{planner.AppSize(size)})
}
