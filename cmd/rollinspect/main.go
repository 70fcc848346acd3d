// rollinspect is a read-only debugging CLI for rolling-file data and
// coordination files.
//
// Usage:
//
//	rollinspect header <data-file>         Dump a single file's header/offsets
//	rollinspect coord <coordination-file>  Dump current/preallocated pointers
//	rollinspect manifest <manifest-file>   Pretty-print a roll manifest
//	rollinspect repl <data-file>           Open an interactive inspector
//
// rollinspect never reads payload bytes, only headers and metadata - it has
// no business knowing how to decode application records.
package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/rollmap/rollmap/pkg/rollfile"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("missing command")
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "header":
		return runHeader(rest)
	case "coord":
		return runCoord(rest)
	case "manifest":
		return runManifest(rest)
	case "repl":
		return runREPL(rest)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  rollinspect header <data-file>")
	fmt.Fprintln(os.Stderr, "  rollinspect coord <coordination-file>")
	fmt.Fprintln(os.Stderr, "  rollinspect manifest <manifest-file>")
	fmt.Fprintln(os.Stderr, "  rollinspect repl <data-file>")
}

// inspectorConfig is read from an optional ".rollinspect.hujson" in the
// working directory - JSON-with-comments, same as the config format the
// rest of this module's ambient tooling uses, so operators can annotate why
// a given default was chosen.
type inspectorConfig struct {
	WatchInterval   time.Duration `json:"-"`
	WatchIntervalMS int           `json:"watch_interval_ms"`
}

func loadInspectorConfig() inspectorConfig {
	cfg := inspectorConfig{WatchInterval: time.Second, WatchIntervalMS: 1000}

	data, err := os.ReadFile(".rollinspect.hujson")
	if err != nil {
		return cfg
	}

	standard, err := hujson.Standardize(data)
	if err != nil {
		return cfg
	}

	var parsed struct {
		WatchIntervalMS int `json:"watch_interval_ms"`
	}

	if err := json.Unmarshal(standard, &parsed); err == nil && parsed.WatchIntervalMS > 0 {
		cfg.WatchIntervalMS = parsed.WatchIntervalMS
		cfg.WatchInterval = time.Duration(parsed.WatchIntervalMS) * time.Millisecond
	}

	return cfg
}

func runHeader(args []string) error {
	fs := pflag.NewFlagSet("header", pflag.ExitOnError)
	multiProcess := fs.BoolP("multi-process", "m", true, "treat the file as having a 32-byte coordination header")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return errors.New("usage: rollinspect header [-m=false] <data-file>")
	}

	info, err := readHeaderInfo(fs.Arg(0), *multiProcess)
	if err != nil {
		return err
	}

	printHeaderInfo(os.Stdout, info)

	return nil
}

// headerInfo is the subset of a data file's state rollinspect is allowed to
// look at: cursors and sizes, never payload bytes.
type headerInfo struct {
	path          string
	multiProcess  bool
	dataStart     uint64
	fileSize      uint64
	nextWrite     uint64
	writeComplete uint64
	onDiskSize    int64
}

func readHeaderInfo(path string, multiProcess bool) (headerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return headerInfo{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return headerInfo{}, fmt.Errorf("stat %q: %w", path, err)
	}

	info := headerInfo{path: path, multiProcess: multiProcess, onDiskSize: st.Size()}

	if !multiProcess {
		return info, nil
	}

	header := make([]byte, 32)
	if _, err := io.ReadFull(f, header); err != nil {
		return headerInfo{}, fmt.Errorf("read header of %q: %w", path, err)
	}

	info.dataStart = binary.LittleEndian.Uint64(header[0:8])
	info.fileSize = binary.LittleEndian.Uint64(header[8:16])
	info.nextWrite = binary.LittleEndian.Uint64(header[16:24])
	info.writeComplete = binary.LittleEndian.Uint64(header[24:32])

	return info, nil
}

func printHeaderInfo(w io.Writer, info headerInfo) {
	fmt.Fprintf(w, "path:           %s\n", info.path)
	fmt.Fprintf(w, "on-disk size:   %d bytes\n", info.onDiskSize)

	if !info.multiProcess {
		fmt.Fprintln(w, "(single-process file: no on-disk header, cursors live in the writer's process memory)")
		return
	}

	fmt.Fprintf(w, "data_start:     %d\n", info.dataStart)
	fmt.Fprintf(w, "file_size:      %d\n", info.fileSize)
	fmt.Fprintf(w, "next_write:     %d\n", info.nextWrite)
	fmt.Fprintf(w, "write_complete: %d\n", info.writeComplete)

	switch {
	case info.fileSize == 0:
		fmt.Fprintln(w, "status:         open (not yet finalized)")
	case info.writeComplete == info.nextWrite && info.writeComplete >= info.fileSize:
		fmt.Fprintln(w, "status:         finished")
	default:
		fmt.Fprintln(w, "status:         pending (writes still in flight)")
	}
}

func runCoord(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rollinspect coord <coordination-file>")
	}

	// rollinspect is read-only: unlike a writer process, it must never bring
	// a coordination file into existence just by inspecting it.
	if _, err := os.Stat(args[0]); err != nil {
		return fmt.Errorf("open coordination file: %w", err)
	}

	c, err := rollfile.OpenCoordinationFile(args[0], "", nil)
	if err != nil {
		return fmt.Errorf("open coordination file: %w", err)
	}
	defer c.Close()

	fmt.Printf("current:      %s\n", orNone(c.Current()))
	fmt.Printf("preallocated: %s\n", orNone(c.Preallocated()))

	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}

	return s
}

func runManifest(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rollinspect manifest <manifest-file>")
	}

	m, err := rollfile.OpenManifest(args[0])
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}

	entries := m.Entries()
	if len(entries) == 0 {
		fmt.Println("(empty)")
		return nil
	}

	for i, e := range entries {
		fmt.Printf("%3d. %-40s cap=%-10d final=%-10d created=%s\n",
			i+1, filepath.Base(e.Path), e.Capacity, e.FinalSize, e.CreatedAt.Format(time.RFC3339))
	}

	return nil
}

func runREPL(args []string) error {
	fs := pflag.NewFlagSet("repl", pflag.ExitOnError)
	multiProcess := fs.BoolP("multi-process", "m", true, "treat the file as having a 32-byte coordination header")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return errors.New("usage: rollinspect repl [-m=false] <data-file>")
	}

	cfg := loadInspectorConfig()

	r := &repl{path: fs.Arg(0), multiProcess: *multiProcess, watchInterval: cfg.WatchInterval}

	return r.run()
}

type repl struct {
	path          string
	multiProcess  bool
	watchInterval time.Duration
	liner         *liner.State
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	fmt.Printf("rollinspect - inspecting %s\n", r.path)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("rollinspect> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		switch strings.ToLower(strings.Fields(line)[0]) {
		case "exit", "quit", "q":
			return nil
		case "help", "?":
			r.printHelp()
		case "info":
			r.cmdInfo()
		default:
			fmt.Printf("unknown command %q (type 'help')\n", line)
		}
	}
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  info     Show the current header/offset snapshot")
	fmt.Println("  help     Show this help")
	fmt.Println("  exit     Exit")
}

func (r *repl) cmdInfo() {
	info, err := readHeaderInfo(r.path, r.multiProcess)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	printHeaderInfo(os.Stdout, info)
}

func (r *repl) completer(line string) []string {
	commands := []string{"info", "help", "exit", "quit", "q"}

	var out []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}
