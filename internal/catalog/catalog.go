// Package catalog is the File Catalog Overlay: the engine's directory of
// object files and B+-tree index files, persisted alongside the volumes
// themselves so a process restart can find every file's root/head pages
// without a full volume scan.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/plcoredb/plcore/internal/btm"
	"github.com/plcoredb/plcore/internal/om"
	"github.com/plcoredb/plcore/internal/storage"
)

// KeyPartSpec is the YAML-friendly form of a btm.KeyPart.
type KeyPartSpec struct {
	Type       string `yaml:"type"` // "int" or "varstring"
	Descending bool   `yaml:"descending,omitempty"`
}

// DataFileEntry persists an om.DataFile's catalog-relevant fields.
type DataFileEntry struct {
	Name      string    `yaml:"name"`
	FileID    uint32    `yaml:"file_id"`
	Vol       uint16    `yaml:"vol"`
	FirstPage uint32    `yaml:"first_page"`
	LastPage  uint32    `yaml:"last_page"`
	AvailHead [4]uint32 `yaml:"avail_head"`
}

// IndexFileEntry persists a btm.BTreeFile's catalog-relevant fields.
type IndexFileEntry struct {
	Name      string        `yaml:"name"`
	FileID    uint32        `yaml:"file_id"`
	Vol       uint16        `yaml:"vol"`
	Root      uint32        `yaml:"root"`
	FirstLeaf uint32        `yaml:"first_leaf"`
	KeyParts  []KeyPartSpec `yaml:"key_parts"`
}

// document is the on-disk shape of the catalog file.
type document struct {
	DataFiles  []DataFileEntry  `yaml:"data_files"`
	IndexFiles []IndexFileEntry `yaml:"index_files"`
}

// Catalog is the in-memory, name-addressed view of every open file, backed
// by a single FileSet (the engine manages one volume directory; multi-volume
// sharding is out of scope).
type Catalog struct {
	path string
	fs   storage.FileSet

	dataFiles  map[string]*om.DataFile
	indexFiles map[string]*btm.BTreeFile

	dealloc *DeallocList
}

func New(path string, fs storage.FileSet) *Catalog {
	c := &Catalog{
		path:       path,
		fs:         fs,
		dataFiles:  make(map[string]*om.DataFile),
		indexFiles: make(map[string]*btm.BTreeFile),
	}
	c.dealloc = NewDeallocList(c)
	return c
}

// Load reads the catalog file, if it exists, populating DataFiles and
// IndexFiles. A missing file is not an error: it means an empty, freshly
// created catalog.
func (c *Catalog) Load() error {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("catalog: read %s: %w", c.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return fmt.Errorf("catalog: unmarshal %s: %w", c.path, err)
	}

	for _, e := range doc.DataFiles {
		c.dataFiles[e.Name] = &om.DataFile{
			FileID:    e.FileID,
			Vol:       e.Vol,
			FirstPage: e.FirstPage,
			LastPage:  e.LastPage,
			AvailHead: e.AvailHead,
		}
	}
	for _, e := range doc.IndexFiles {
		parts := make([]btm.KeyPart, len(e.KeyParts))
		for i, p := range e.KeyParts {
			parts[i] = btm.KeyPart{Type: keyPartType(p.Type), Descending: p.Descending}
		}
		c.indexFiles[e.Name] = &btm.BTreeFile{
			FileID:    e.FileID,
			Vol:       e.Vol,
			Root:      e.Root,
			FirstLeaf: e.FirstLeaf,
			KeyDesc:   btm.KeyDescriptor{Parts: parts},
			FS:        c.fs,
		}
	}
	return nil
}

// Save serializes the current catalog state to c.path.
func (c *Catalog) Save() error {
	var doc document
	for name, f := range c.dataFiles {
		doc.DataFiles = append(doc.DataFiles, DataFileEntry{
			Name: name, FileID: f.FileID, Vol: f.Vol,
			FirstPage: f.FirstPage, LastPage: f.LastPage, AvailHead: f.AvailHead,
		})
	}
	for name, f := range c.indexFiles {
		parts := make([]KeyPartSpec, len(f.KeyDesc.Parts))
		for i, p := range f.KeyDesc.Parts {
			parts[i] = KeyPartSpec{Type: keyPartName(p.Type), Descending: p.Descending}
		}
		doc.IndexFiles = append(doc.IndexFiles, IndexFileEntry{
			Name: name, FileID: f.FileID, Vol: f.Vol,
			Root: f.Root, FirstLeaf: f.FirstLeaf, KeyParts: parts,
		})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	if err := os.WriteFile(c.path, out, 0o644); err != nil {
		return fmt.Errorf("catalog: write %s: %w", c.path, err)
	}
	return nil
}

func keyPartType(s string) btm.KeyPartType {
	if s == "varstring" {
		return btm.KeyPartVarString
	}
	return btm.KeyPartInt
}

func keyPartName(t btm.KeyPartType) string {
	if t == btm.KeyPartVarString {
		return "varstring"
	}
	return "int"
}

func (c *Catalog) DataFile(name string) (*om.DataFile, bool) {
	f, ok := c.dataFiles[name]
	return f, ok
}

func (c *Catalog) IndexFile(name string) (*btm.BTreeFile, bool) {
	f, ok := c.indexFiles[name]
	return f, ok
}

func (c *Catalog) PutDataFile(name string, f *om.DataFile) { c.dataFiles[name] = f }

func (c *Catalog) PutIndexFile(name string, f *btm.BTreeFile) { c.indexFiles[name] = f }

func (c *Catalog) DeallocList() *DeallocList { return c.dealloc }

// DestroyObject removes oid from name's data file, queuing any page that
// om.Manager.DestroyObject unlinks (because it became empty and isn't the
// file's first page) onto the dealloc list.
func (c *Catalog) DestroyObject(name string, mgr *om.Manager, oid storage.ObjectID) error {
	file, ok := c.dataFiles[name]
	if !ok {
		return fmt.Errorf("catalog: no such data file %q", name)
	}
	return mgr.DestroyObject(file, oid, func(pid storage.PageID) {
		c.dealloc.Push(storage.BufTypeData, pid)
	})
}

// DropIndex queues every page of name's B+-tree onto the dealloc list and
// removes it from the catalog. mgr.FreePages walks the tree; this package
// only knows how to queue the resulting page numbers, not how a B+-tree is
// laid out.
func (c *Catalog) DropIndex(name string, mgr *btm.Manager) error {
	file, ok := c.indexFiles[name]
	if !ok {
		return fmt.Errorf("catalog: no such index %q", name)
	}
	if err := mgr.FreePages(file, func(pid storage.PageID) {
		c.dealloc.Push(storage.BufTypeIndex, pid)
	}); err != nil {
		return err
	}
	delete(c.indexFiles, name)
	return nil
}
