package littlefs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseSpecDefaultsToVfs(t *testing.T) {
	part, p := parseSpec("/boot.py")
	if part != "vfs" || p != "/boot.py" {
		t.Errorf("parseSpec(/boot.py) = (%q,%q), want (vfs,/boot.py)", part, p)
	}
}

func TestParseSpecSplitsOnLastColon(t *testing.T) {
	part, p := parseSpec("vfs2:/dir/file.txt")
	if part != "vfs2" || p != "/dir/file.txt" {
		t.Errorf("parseSpec(vfs2:/dir/file.txt) = (%q,%q), want (vfs2,/dir/file.txt)", part, p)
	}
}

func TestDestIsLocalDir(t *testing.T) {
	dir := t.TempDir()
	if !destIsLocalDir(dir) {
		t.Errorf("destIsLocalDir(%s) = false, want true", dir)
	}
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if destIsLocalDir(file) {
		t.Errorf("destIsLocalDir(%s) = true, want false", file)
	}
	if destIsLocalDir(filepath.Join(dir, "missing")) {
		t.Errorf("destIsLocalDir(missing) = true, want false")
	}
}
