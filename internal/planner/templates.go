package planner

import (
	_ "embed"

	"gopkg.in/yaml.v2"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/parttable"
)

//go:embed templates.yaml
var templatesYAML []byte

type yamlEntry struct {
	Name    string `yaml:"name"`
	Subtype string `yaml:"subtype"`
	Size    int64  `yaml:"size"`
}

type yamlTemplates struct {
	Templates struct {
		Default  []yamlEntry `yaml:"default"`
		Original []yamlEntry `yaml:"original"`
		// "ota" is intentionally omitted here: its sizes depend on
		// flash_size and are computed by otaLayout below. See
		// templates.yaml's comment on that key.
	} `yaml:"templates"`
}

func loadTemplates() (*yamlTemplates, error) {
	var t yamlTemplates
	if err := yaml.Unmarshal(templatesYAML, &t); err != nil {
		return nil, esperr.Layout("invalid embedded template document: %v", err)
	}
	return &t, nil
}

func entriesToLayout(entries []yamlEntry) []LayoutEntry {
	out := make([]LayoutEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LayoutEntry{Name: e.Name, Subtype: e.Subtype, Size: uint64(e.Size)})
	}
	return out
}

// otaAppPartSize returns the recommended OTA app partition size for a
// given flash size. Ground: layouts.py: OTA_PART_SIZES, ota_part_size.
func otaAppPartSize(flashSize uint64) uint64 {
	switch {
	case flashSize > 8<<20:
		return 0x270000
	case flashSize > 4<<20:
		return 0x200000
	default:
		return 0x180000
	}
}

// otaLayout builds the OTA template's layout entries for the given flash
// size and optional app-partition-size override (0 = use the recommended
// size). Ground: layouts.py: ota_layout, OTA_TABLE_LAYOUT.
func otaLayout(flashSize uint64, appSize uint64) []LayoutEntry {
	if appSize == 0 {
		appSize = otaAppPartSize(flashSize)
	}
	// Ground: layouts.py: nvs_part_size = app_part.offset - FIRST_PART_OFFSET
	// - OTADATA_SIZE. The planner lays entries out sequentially from
	// FirstPartOffset, so nvs must be sized so otadata ends, and ota_0
	// starts, exactly at the conventional app offset (0x10000), matching
	// where the real tool always starts ota_0.
	nvsSize := uint64(parttable.ConventionalAppOffset) - uint64(parttable.FirstPartOffset) - uint64(parttable.OTADataSize)
	return []LayoutEntry{
		{Name: "nvs", Subtype: "nvs", Size: nvsSize},
		{Name: "otadata", Subtype: "ota", Size: parttable.OTADataSize},
		{Name: "ota_0", Subtype: "ota_0", Size: appSize},
		{Name: "ota_1", Subtype: "ota_1", Size: appSize},
		{Name: "vfs", Subtype: "fat", Size: 0},
	}
}

// templateLayout resolves a template name to its layout entries for the
// given flash size and app-size override.
func templateLayout(name string, flashSize uint64, appSize uint64) ([]LayoutEntry, error) {
	switch name {
	case "ota":
		return otaLayout(flashSize, appSize), nil
	case "default", "original":
		t, err := loadTemplates()
		if err != nil {
			return nil, err
		}
		if name == "default" {
			return entriesToLayout(t.Templates.Default), nil
		}
		return entriesToLayout(t.Templates.Original), nil
	default:
		return nil, esperr.User("unknown table template %q (want default, original, or ota)", name)
	}
}
