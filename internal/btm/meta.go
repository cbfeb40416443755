package btm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/plcoredb/plcore/internal/storage"
)

const metaFileSuffix = ".btm.meta.yaml"

// diskMeta is the small root/head bookkeeping record saved next to an
// index's segment files, so a process restart can reopen the index without
// walking every page of the volume to rediscover its root.
type diskMeta struct {
	Root      uint32 `yaml:"root"`
	FirstLeaf uint32 `yaml:"first_leaf"`
}

func metaPathForFileSet(fs storage.FileSet) (string, bool) {
	lfs, ok := fs.(storage.LocalFileSet)
	if !ok {
		return "", false
	}
	return filepath.Join(lfs.Dir, lfs.Base+metaFileSuffix), true
}

// LoadMeta reads an index's root/head bookkeeping file, if its FileSet is a
// LocalFileSet with one on disk. ok is false (with a nil error) when there
// is nothing to load, so callers can tell "freshly created" from "failed".
func LoadMeta(fs storage.FileSet) (root, firstLeaf uint32, ok bool, err error) {
	path, has := metaPathForFileSet(fs)
	if !has {
		return 0, 0, false, nil
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		if errors.Is(rerr, os.ErrNotExist) {
			return 0, 0, false, nil
		}
		return 0, 0, false, rerr
	}
	var m diskMeta
	if uerr := yaml.Unmarshal(data, &m); uerr != nil {
		return 0, 0, false, fmt.Errorf("btm: unmarshal meta %s: %w", path, uerr)
	}
	return m.Root, m.FirstLeaf, true, nil
}

// SaveMeta persists file's current root/head. A FileSet that isn't a
// LocalFileSet (no meaningful path to write under) is silently a no-op:
// meta persistence is a convenience, not a correctness requirement, since
// the root is always reachable by definition while the process holds file.
func SaveMeta(file *BTreeFile) error {
	path, ok := metaPathForFileSet(file.FS)
	if !ok {
		return nil
	}

	m := diskMeta{Root: file.Root, FirstLeaf: file.FirstLeaf}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("btm: marshal meta: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	slog.Debug("btm: meta saved", "path", path, "root", m.Root, "firstLeaf", m.FirstLeaf)
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("btm: atomic rename meta file: %w", err)
	}
	ok = true
	return nil
}
