// Package directive parses the CLI-facing argument strings described in
// spec.md §4.9/§6 into the planner's typed values: size literals, the
// NAME[=VALUE][,...] partition lists used by --resize/--rename/--read/
// --write, the NAME:SUBTYPE:OFFSET:SIZE add-spec used
// by --add, and the shell-tokenized --fs CMD... argument.
//
// Ground: original_source/src/mp_image_tool_esp32/main.py (numeric_arg,
// SIZE_UNITS, the --resize/--app-size/--erase-part/--read-part/
// --write-part comma-split loops) and partition_table.py (add_part's
// offset=0 "next free slot" default).
package directive

import (
	"strconv"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/espfw/esp32img/internal/esperr"
)

// ParseSize parses a size literal: an optional "0x" (or "0") numeric
// prefix understood by strconv.ParseUint(s, 0, 64), followed by an
// optional case-insensitive unit suffix B (0x1000), K (1024) or M
// (1024*1024). Ground: main.py: numeric_arg, SIZE_UNITS = {"M": MB,
// "K": KB, "B": B}.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, esperr.User("empty size literal")
	}
	unit := uint64(1)
	last := s[len(s)-1]
	switch {
	case last == 'b' || last == 'B':
		unit = 0x1000
		s = s[:len(s)-1]
	case last == 'k' || last == 'K':
		unit = 1024
		s = s[:len(s)-1]
	case last == 'm' || last == 'M':
		unit = 1024 * 1024
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, esperr.User("size literal %q has a unit suffix but no number", s)
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, esperr.User("invalid size literal %q: %v", s, err)
	}
	return n * unit, nil
}

// NameValue is one NAME or NAME=VALUE entry in a comma-separated
// partition list.
type NameValue struct {
	Name  string
	Value string
	// HasValue is false for bare NAME entries (e.g. --delete, --erase).
	HasValue bool
}

// ParsePartList splits a comma-separated NAME[=VALUE][,NAME2[=VALUE2]...]
// list, as used by --read and --write, and through ParseSizeList and
// ParseRenameList by --resize and --rename. Ground: main.py's identical
// split(",") loops for --resize,
// --erase-part, --erase-fs, --read-part and --write-part.
func ParsePartList(s string) ([]NameValue, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]NameValue, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, esperr.User("empty entry in partition list %q", s)
		}
		name, value, hasValue := strings.Cut(p, "=")
		if name == "" {
			return nil, esperr.User("empty partition name in entry %q", p)
		}
		out = append(out, NameValue{Name: name, Value: value, HasValue: hasValue})
	}
	return out, nil
}

// ParseSizeList is ParsePartList followed by ParseSize on every value,
// for lists like --resize NAME1=SIZE1[,NAME2=SIZE2] where every entry
// must carry a value.
func ParseSizeList(s string) ([]NameValue, error) {
	nvs, err := ParsePartList(s)
	if err != nil {
		return nil, err
	}
	for i, nv := range nvs {
		if !nv.HasValue {
			return nil, esperr.User("entry %q is missing a =SIZE value", nv.Name)
		}
		if _, err := ParseSize(nv.Value); err != nil {
			return nil, err
		}
		_ = i
	}
	return nvs, nil
}

// RenamePair is one OLD=NEW entry in a --rename list.
type RenamePair struct {
	Old, New string
}

// ParseRenameList parses the --rename OLD1=NEW1[,OLD2=NEW2] list, the
// same NAME=VALUE grammar --resize uses (spec.md §6 lists --rename
// alongside --resize with no grammar of its own in original_source, so
// this package follows the established sibling grammar).
func ParseRenameList(s string) ([]RenamePair, error) {
	nvs, err := ParsePartList(s)
	if err != nil {
		return nil, err
	}
	out := make([]RenamePair, 0, len(nvs))
	for _, nv := range nvs {
		if !nv.HasValue || nv.Value == "" {
			return nil, esperr.User("rename entry %q is missing a =NEWNAME value", nv.Name)
		}
		out = append(out, RenamePair{Old: nv.Name, New: nv.Value})
	}
	return out, nil
}

// AddSpec is a parsed --add NAME:SUBTYPE:OFFSET:SIZE entry. Offset is
// nil when omitted, meaning "next free aligned slot".
type AddSpec struct {
	Name    string
	Subtype string
	Offset  *uint32
	Size    uint64
}

// ParseAddSpec parses one add-spec: NAME:SUBTYPE:OFFSET:SIZE with OFFSET
// optional, i.e. either the 4-field form (empty OFFSET field allowed,
// "NAME:SUBTYPE::SIZE") or the 3-field form "NAME:SUBTYPE:SIZE". Ground:
// spec.md §4.9, reconciled against partition_table.py: add_part's
// offset=0 "next free slot" default.
func ParseAddSpec(s string) (AddSpec, error) {
	fields := strings.Split(s, ":")
	switch len(fields) {
	case 3:
		size, err := ParseSize(fields[2])
		if err != nil {
			return AddSpec{}, err
		}
		return AddSpec{Name: fields[0], Subtype: fields[1], Size: size}, nil
	case 4:
		var offset *uint32
		if fields[2] != "" {
			v, err := ParseSize(fields[2])
			if err != nil {
				return AddSpec{}, err
			}
			o := uint32(v)
			offset = &o
		}
		size, err := ParseSize(fields[3])
		if err != nil {
			return AddSpec{}, err
		}
		return AddSpec{Name: fields[0], Subtype: fields[1], Offset: offset, Size: size}, nil
	default:
		return AddSpec{}, esperr.User("add-spec %q must have the form NAME:SUBTYPE:OFFSET:SIZE or NAME:SUBTYPE:SIZE", s)
	}
}

// ParseAddSpecList parses a comma-separated list of add-specs, as used
// by a --add flag that may be repeated or given a joined list.
func ParseAddSpecList(s string) ([]AddSpec, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]AddSpec, 0, len(parts))
	for _, p := range parts {
		spec, err := ParseAddSpec(p)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// ParseFsCommand splits a raw --fs argument into (command, args) using
// shell-word splitting, so flags like --fs "put boot.py /lib/boot.py"
// tokenize the way lfs.py: LFSCmd.run_command expects. Ground: SPEC_FULL
// §4.9; go-shellwords is the teacher's own CLI shell-splitting library
// (mos's build shell), unused anywhere else in this repo's operations
// until now.
func ParseFsCommand(raw string) (cmd string, args []string, err error) {
	tokens, err := shellwords.NewParser().Parse(raw)
	if err != nil {
		return "", nil, esperr.User("invalid --fs argument %q: %v", raw, err)
	}
	if len(tokens) == 0 {
		return "", nil, esperr.User("--fs requires a command")
	}
	return tokens[0], tokens[1:], nil
}
