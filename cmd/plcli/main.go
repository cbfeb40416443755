// Command plcli is a thin, illustrative REPL over the storage core: it
// exercises the Object Manager and B+-Tree Manager directly against a
// buffer-pool-backed volume on disk. It is not part of the storage engine
// itself, the way the teacher's cmd/client is a SQL client bolted onto a
// server it does not implement.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/plcoredb/plcore/internal/bufferpool"
	"github.com/plcoredb/plcore/internal/btm"
	"github.com/plcoredb/plcore/internal/catalog"
	"github.com/plcoredb/plcore/internal/config"
	"github.com/plcoredb/plcore/internal/om"
	"github.com/plcoredb/plcore/internal/storage"
)

// ---- History (own file, same format as the teacher's CLI) ----

type History struct {
	path  string
	lines []string
}

func NewHistory(path string) *History { return &History{path: path} }

func (h *History) Load(max int) error {
	if h.path == "" {
		return nil
	}
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		h.lines = append(h.lines, s)
		if max > 0 && len(h.lines) > max {
			h.lines = h.lines[len(h.lines)-max:]
		}
	}
	return sc.Err()
}

func (h *History) Append(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return err
	}
	h.lines = append(h.lines, line)
	return nil
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".plcli_history"
	}
	return filepath.Join(home, ".plcli_history")
}

// ---- Engine wiring ----

type engine struct {
	fs   storage.LocalFileSet
	pool *bufferpool.PoolSet
	om   *om.Manager
	btm  *btm.Manager
	cat  *catalog.Catalog

	nextFileID uint32
}

func newEngine(dataDir, configPath string) *engine {
	fs := storage.LocalFileSet{Dir: dataDir, Base: "plcli.vol"}
	rdm := storage.NewRawDiskManager()

	sizes := bufferpool.Sizes{storage.BufTypeData: 256, storage.BufTypeIndex: 256}
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v (using defaults)\n", err)
		} else {
			sizes = bufferpool.Sizes(cfg.PoolSizes())
		}
	}

	pool := bufferpool.NewPoolSet(fs, rdm, sizes)
	cat := catalog.New(filepath.Join(dataDir, "catalog.yaml"), fs)
	return &engine{
		fs:   fs,
		pool: pool,
		om:   om.New(pool),
		btm:  btm.New(pool),
		cat:  cat,
	}
}

func formatOID(oid storage.ObjectID) string {
	return fmt.Sprintf("%d:%d:%d:%d", oid.Page.Vol, oid.Page.Page, oid.Slot, oid.Unique)
}

func parseOID(s string) (storage.ObjectID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return storage.ObjectID{}, fmt.Errorf("oid must be vol:page:slot:unique, got %q", s)
	}
	nums := make([]uint64, 4)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return storage.ObjectID{}, fmt.Errorf("oid field %d: %w", i, err)
		}
		nums[i] = n
	}
	return storage.ObjectID{
		Page:   storage.PageID{Vol: uint16(nums[0]), Page: uint32(nums[1])},
		Slot:   uint16(nums[2]),
		Unique: uint32(nums[3]),
	}, nil
}

func compOpFromString(s string) (btm.CompOp, bool) {
	switch s {
	case "eq":
		return btm.SM_EQ, true
	case "lt":
		return btm.SM_LT, true
	case "le":
		return btm.SM_LE, true
	case "gt":
		return btm.SM_GT, true
	case "ge":
		return btm.SM_GE, true
	default:
		return 0, false
	}
}

func (e *engine) dataFile(name string) (*om.DataFile, error) {
	if f, ok := e.cat.DataFile(name); ok {
		return f, nil
	}
	return nil, fmt.Errorf("no such file %q (use create-file first)", name)
}

func (e *engine) indexFile(name string) (*btm.BTreeFile, error) {
	if f, ok := e.cat.IndexFile(name); ok {
		return f, nil
	}
	return nil, fmt.Errorf("no such index %q (use create-index first)", name)
}

// dispatch runs one parsed command line, printing its result to stdout.
func (e *engine) dispatch(args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "create-file":
		if len(args) != 2 {
			return fmt.Errorf("usage: create-file <name>")
		}
		e.nextFileID++
		f := &om.DataFile{FileID: e.nextFileID, Vol: 0, FirstPage: storage.NilPageNo, LastPage: storage.NilPageNo}
		for i := range f.AvailHead {
			f.AvailHead[i] = storage.NilPageNo
		}
		om.SetFileSetResolver(func(*om.DataFile) (storage.FileSet, bool) { return e.fs, true })
		e.cat.PutDataFile(args[1], f)
		fmt.Println("ok")

	case "put":
		if len(args) < 3 {
			return fmt.Errorf("usage: put <file> <text...>")
		}
		f, err := e.dataFile(args[1])
		if err != nil {
			return err
		}
		payload := strings.Join(args[2:], " ")
		oid, err := e.om.CreateObject(f, []byte(payload), storage.ObjectID{})
		if err != nil {
			return err
		}
		fmt.Println(formatOID(oid))

	case "get":
		if len(args) != 3 {
			return fmt.Errorf("usage: get <file> <oid>")
		}
		f, err := e.dataFile(args[1])
		if err != nil {
			return err
		}
		oid, err := parseOID(args[2])
		if err != nil {
			return err
		}
		data, err := e.om.ReadObject(f, oid, 0, om.ReadObjectRemainder)
		if err != nil {
			return err
		}
		fmt.Println(string(data))

	case "next", "prev":
		if len(args) != 3 {
			return fmt.Errorf("usage: %s <file> <oid>", args[0])
		}
		f, err := e.dataFile(args[1])
		if err != nil {
			return err
		}
		oid, err := parseOID(args[2])
		if err != nil {
			return err
		}
		var (
			nextOID storage.ObjectID
			payload []byte
		)
		if args[0] == "next" {
			nextOID, payload, err = e.om.NextObject(f, oid)
		} else {
			nextOID, payload, err = e.om.PrevObject(f, oid)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", formatOID(nextOID), string(payload))

	case "create-index":
		if len(args) != 3 {
			return fmt.Errorf("usage: create-index <name> <int|string>")
		}
		var part btm.KeyPart
		switch args[2] {
		case "int":
			part = btm.KeyPart{Type: btm.KeyPartInt}
		case "string":
			part = btm.KeyPart{Type: btm.KeyPartVarString}
		default:
			return fmt.Errorf("key type must be int or string, got %q", args[2])
		}
		desc := btm.KeyDescriptor{Parts: []btm.KeyPart{part}}
		// Index and data pages share one volume and page-number space (just
		// cached in separate bufferpool.Pool instances by BufferType); a
		// single FileSet is enough for both.
		file, err := e.btm.CreateIndex(e.fs, 0, 1, desc)
		if err != nil {
			return err
		}
		e.cat.PutIndexFile(args[1], file)
		fmt.Println("ok")

	case "insert-key":
		if len(args) != 4 {
			return fmt.Errorf("usage: insert-key <index> <key> <oid>")
		}
		f, err := e.indexFile(args[1])
		if err != nil {
			return err
		}
		key, err := parseKey(f.KeyDesc, args[2])
		if err != nil {
			return err
		}
		oid, err := parseOID(args[3])
		if err != nil {
			return err
		}
		if err := e.btm.Insert(f, key, oid); err != nil {
			return err
		}
		fmt.Println("ok")

	case "find":
		if len(args) != 4 {
			return fmt.Errorf("usage: find <index> <eq|lt|le|gt|ge> <key>")
		}
		f, err := e.indexFile(args[1])
		if err != nil {
			return err
		}
		op, ok := compOpFromString(args[2])
		if !ok {
			return fmt.Errorf("unknown operator %q", args[2])
		}
		key, err := parseKey(f.KeyDesc, args[3])
		if err != nil {
			return err
		}
		cur, err := e.btm.Fetch(f, op, key)
		if err != nil {
			return err
		}
		fmt.Println(formatOID(cur.OID))

	case "range":
		if len(args) != 4 {
			return fmt.Errorf("usage: range <index> <eq|lt|le|gt|ge> <key>")
		}
		f, err := e.indexFile(args[1])
		if err != nil {
			return err
		}
		op, ok := compOpFromString(args[2])
		if !ok {
			return fmt.Errorf("unknown operator %q", args[2])
		}
		key, err := parseKey(f.KeyDesc, args[3])
		if err != nil {
			return err
		}
		cur, err := e.btm.Fetch(f, op, key)
		if err != nil {
			return err
		}
		for {
			fmt.Println(formatOID(cur.OID))
			cur, err = e.btm.FetchNext(f, cur)
			if errors.Is(err, btm.ErrEndOfScan) {
				break
			}
			if err != nil {
				return err
			}
		}

	case "flush":
		return e.pool.FlushAll()

	case "discard":
		e.pool.DiscardAll()
		fmt.Println("ok")

	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return nil
}

func parseKey(desc btm.KeyDescriptor, s string) (btm.KeyValue, error) {
	if len(desc.Parts) != 1 {
		return btm.KeyValue{}, fmt.Errorf("plcli only supports single-part keys")
	}
	switch desc.Parts[0].Type {
	case btm.KeyPartInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return btm.KeyValue{}, err
		}
		return btm.KeyValue{IntVal: []int32{int32(n)}}, nil
	default:
		return btm.KeyValue{StrVal: []string{s}}, nil
	}
}

func isMetaCommand(line string) bool {
	line = strings.TrimSpace(line)
	return line == "quit" || line == "exit" || line == "\\help" || line == "\\history"
}

func main() {
	var (
		dataDir    = flag.String("data-dir", "./plcli-data", "directory holding volume segments and the catalog")
		configPath = flag.String("config", "", "optional engine config YAML (buffer-pool sizes)")
		histPath   = flag.String("history", defaultHistoryPath(), "history file path")
		histMax    = flag.Int("history-max", 2000, "max history lines loaded into memory")
	)
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}

	e := newEngine(*dataDir, *configPath)
	if err := e.cat.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "catalog load: %v\n", err)
		os.Exit(1)
	}
	om.SetFileSetResolver(func(*om.DataFile) (storage.FileSet, bool) { return e.fs, true })

	h := NewHistory(*histPath)
	_ = h.Load(*histMax)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "plcli> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	for _, line := range h.lines {
		_ = rl.SaveHistory(line)
	}

	fmt.Printf("plcli: storage-core demo, volume at %s\n", *dataDir)
	fmt.Println("type \\help for commands, quit to exit")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			fmt.Println()
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if isMetaCommand(line) {
			switch line {
			case "quit", "exit":
				goto shutdown
			case "\\help":
				fmt.Println(`commands:
  create-file <name>
  put <file> <text...>
  get <file> <oid>
  next <file> <oid>
  prev <file> <oid>
  create-index <name> <int|string>
  insert-key <index> <key> <oid>
  find <index> <eq|lt|le|gt|ge> <key>
  range <index> <eq|lt|le|gt|ge> <key>
  flush
  discard
  quit`)
			case "\\history":
				for i, l := range h.lines {
					fmt.Printf("%5d  %s\n", i+1, l)
				}
			}
			continue
		}

		_ = h.Append(line)
		_ = rl.SaveHistory(line)

		if err := e.dispatch(strings.Fields(line)); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

shutdown:
	if err := e.pool.FlushAll(); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
	}
	if err := e.cat.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "catalog save: %v\n", err)
	}
}
