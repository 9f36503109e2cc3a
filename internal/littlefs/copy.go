package littlefs

import (
	"io"
	"os"
	"path"
	"path/filepath"

	lfs "github.com/bgould/go-littlefs"

	"github.com/espfw/esp32img/internal/esperr"
)

// Get copies srcSpec (a "partname:/path" LittleFS path) to destLocal on
// the host filesystem, recursively if srcSpec names a directory; if
// destLocal already exists as a directory, the source's basename is
// appended, matching `cp -r`. Ground: lfs.py: do_get.
func (a *Adapter) Get(srcSpec, destLocal string) error {
	partName, p := parseSpec(srcSpec)
	fs, err := a.mount(partName)
	if err != nil {
		return err
	}
	info, err := fs.Stat(p)
	if err != nil {
		return wrapFsErr("stat", p, err)
	}
	dest := destLocal
	if !isDir(info) {
		if destIsLocalDir(dest) {
			dest = filepath.Join(dest, path.Base(p))
		}
		return a.getFile(fs, p, dest)
	}
	if destIsLocalDir(dest) {
		dest = filepath.Join(dest, path.Base(p))
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return esperr.Fs("creating %s: %v", dest, err)
	}
	return a.walk(fs, p, func(entryPath string, einfo lfs.Info) error {
		if entryPath == p {
			return nil
		}
		rel, err := filepath.Rel(p, entryPath)
		if err != nil {
			return esperr.Fs("computing relative path for %q: %v", entryPath, err)
		}
		target := filepath.Join(dest, rel)
		if isDir(einfo) {
			return os.MkdirAll(target, 0755)
		}
		return a.getFile(fs, entryPath, target)
	})
}

func (a *Adapter) getFile(fs *lfs.LFS, srcPath, destPath string) error {
	f, err := fs.Open(srcPath, flagRDOnly)
	if err != nil {
		return wrapFsErr("opening", srcPath, err)
	}
	defer f.Close()
	if dir := filepath.Dir(destPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return esperr.Fs("creating %s: %v", dir, err)
		}
	}
	out, err := os.Create(destPath)
	if err != nil {
		return esperr.Fs("creating %s: %v", destPath, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, f); err != nil {
		return esperr.Fs("copying %s: %v", destPath, err)
	}
	return nil
}

// Put copies srcLocal on the host filesystem to destSpec (a
// "partname:/path" LittleFS path), recursively if srcLocal is a
// directory; if the LittleFS destination already exists as a directory,
// the source's basename is appended. Ground: lfs.py: do_put.
func (a *Adapter) Put(srcLocal, destSpec string) error {
	partName, p := parseSpec(destSpec)
	fs, err := a.mount(partName)
	if err != nil {
		return err
	}
	st, err := os.Stat(srcLocal)
	if err != nil {
		return esperr.Fs("stat %s: %v", srcLocal, err)
	}
	dest := p
	if !st.IsDir() {
		if info, err := fs.Stat(dest); err == nil && isDir(info) {
			dest = path.Join(dest, filepath.Base(srcLocal))
		}
		return a.putFile(fs, srcLocal, dest)
	}
	if info, err := fs.Stat(dest); err == nil && isDir(info) {
		dest = path.Join(dest, filepath.Base(srcLocal))
	}
	if err := a.mkdirAll(fs, dest, true); err != nil {
		return err
	}
	return filepath.Walk(srcLocal, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if walkPath == srcLocal {
			return nil
		}
		rel, err := filepath.Rel(srcLocal, walkPath)
		if err != nil {
			return esperr.Fs("computing relative path for %s: %v", walkPath, err)
		}
		target := path.Join(dest, filepath.ToSlash(rel))
		if info.IsDir() {
			return a.mkdirAll(fs, target, true)
		}
		return a.putFile(fs, walkPath, target)
	})
}

func (a *Adapter) putFile(fs *lfs.LFS, srcPath, destPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return esperr.Fs("opening %s: %v", srcPath, err)
	}
	defer in.Close()
	f, err := fs.Open(destPath, flagWROnly|flagCreat|flagTrunc)
	if err != nil {
		return wrapFsErr("creating", destPath, err)
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		return wrapFsErr("writing", destPath, err)
	}
	return wrapFsErr("closing", destPath, f.Close())
}

func destIsLocalDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
