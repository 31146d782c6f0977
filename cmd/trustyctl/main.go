// trustyctl is a REPL for driving a mounted trustystore engine end to
// end, mirroring cmd/sloty's liner-based REPL over a single open cache.
//
// Usage:
//
//	trustyctl --main=<path> [--config=<path>] [--overlay=<path>] [--audit=<path>]
//
// Commands (in REPL):
//
//	begin                         Start a transaction, make it current
//	open <path> [create|excl]     Open a file in the current transaction
//	write <path> <offset> <text>  Write bytes at offset (creates if needed)
//	read <path> <offset> <len>    Read bytes
//	size <path>                   Report a file's current size
//	rm <path>                     Delete a file
//	commit                        Commit the current transaction
//	discard                       Roll back the current transaction
//	status                        Report free/reserved block counts
//	fsck                          Validate catalog/free-set tree invariants
//	help                          Show this help
//	exit / quit / q               Exit
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/trustystore/internal/walaudit"
	"github.com/calvinalkan/trustystore/pkg/blockdev"
	"github.com/calvinalkan/trustystore/pkg/config"
	"github.com/calvinalkan/trustystore/pkg/crypto"
	"github.com/calvinalkan/trustystore/pkg/engine"
	"github.com/calvinalkan/trustystore/pkg/files"
	"github.com/calvinalkan/trustystore/pkg/fs"
	"github.com/calvinalkan/trustystore/pkg/txn"

	internalfs "github.com/calvinalkan/trustystore/internal/fs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a JSONC config file (main/super device paths, sizes)")
	overlayPath := pflag.StringP("overlay", "o", "", "path to a YAML overlay config file")
	mainPath := pflag.String("main", "", "path to the main device's backing directory (overrides config)")
	auditPath := pflag.String("audit", "", "path to a SQLite commit audit log")
	allowReformat := pflag.Bool("allow-reformat", false, "mount a super device with a newer fs_version than this build supports")
	pflag.Parse()

	var cfg config.Config

	if *configPath != "" {
		var err error

		cfg, err = config.Load(*configPath, *overlayPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if *mainPath != "" {
		cfg.MainDevicePath = *mainPath
	}

	if cfg.MainDevicePath == "" {
		return errors.New("missing main device path: pass --main or --config")
	}

	if *allowReformat {
		cfg.AllowReformat = true
	}

	// Every exported *engine.Engine method expects its caller to serialize
	// access (pkg/engine's own doc comment); flock the main device's
	// directory so a second trustyctl invocation against the same device
	// fails fast instead of corrupting it through two unsynchronized mounts.
	lock, err := acquireDeviceLock(cfg.MainDevicePath)
	if err != nil {
		return fmt.Errorf("locking main device: %w", err)
	}
	defer func() { _ = lock.Close() }()

	e, err := mountFromConfig(cfg, *auditPath)
	if err != nil {
		return fmt.Errorf("mounting engine: %w", err)
	}
	defer func() { _ = e.Close() }()

	repl := &REPL{engine: e}

	return repl.Run()
}

// acquireDeviceLock takes an exclusive flock on a sentinel file beside the
// main device directory, failing fast if another trustyctl process already
// holds it rather than blocking.
func acquireDeviceLock(mainDevicePath string) (*internalfs.Lock, error) {
	if err := os.MkdirAll(mainDevicePath, 0o750); err != nil {
		return nil, fmt.Errorf("create device dir: %w", err)
	}

	locker := internalfs.NewLocker(internalfs.NewReal())

	lockPath := filepath.Join(mainDevicePath, ".trustyctl.lock")

	lock, err := locker.TryLock(lockPath)
	if err != nil {
		if errors.Is(err, internalfs.ErrWouldBlock) {
			return nil, fmt.Errorf("device already mounted by another trustyctl process: %w", err)
		}

		return nil, err
	}

	return lock, nil
}

func mountFromConfig(cfg config.Config, auditPath string) (*engine.Engine, error) {
	realFS := fs.NewReal()

	mainDev, err := blockdev.NewFileDevice(realFS, cfg.MainDevicePath, blockdev.DeviceInfo{
		BlockCount: 1 << 20, BlockSize: int(cfg.BlockSize), NumSize: 8, MACSize: 16, TamperDetecting: false,
	})
	if err != nil {
		return nil, fmt.Errorf("open main device: %w", err)
	}

	// The super device carries the anti-rollback root of trust (spec.md
	// §4.8). Real hardware backs this with RPMB; blockdev.MemRPMBDevice is
	// the in-process double modeling that contract for the CLI and tests,
	// so super-device state does not persist across trustyctl invocations.
	superDev, err := blockdev.NewMemRPMBDevice(blockdev.DeviceInfo{
		BlockCount: 4, BlockSize: int(cfg.BlockSize), NumSize: 8, MACSize: 16, TamperDetecting: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open super device: %w", err)
	}

	opts := engine.Options{
		CachePoolSize: cfg.CachePoolSize,
		QueueCapacity: cfg.QueueCapacity,
		AllowReformat: cfg.AllowReformat,
	}

	if auditPath != "" {
		l, err := walaudit.Open(context.Background(), auditPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}

		opts.AuditLog = l
	}

	return engine.Mount(mainDev, superDev, demoKey(), opts)
}

// demoKey is a fixed, well-known key used only because trustyctl has no
// key-provisioning story of its own — a real deployment derives this from
// the TEE's sealing key, never a constant.
func demoKey() crypto.Key {
	var k crypto.Key

	copy(k[:], []byte("trustyctl-demo-key-do-not-use!!"))

	return k
}

// REPL is the interactive command loop driving one mounted engine.
type REPL struct {
	engine *engine.Engine
	liner  *liner.State
	tr     *txn.Transaction
	open   map[string]*files.File
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".trustyctl_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)
	r.open = make(map[string]*files.File)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("trustyctl - trustystore engine REPL")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("trustyctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil
		case "help", "?":
			r.printHelp()
		case "begin":
			r.cmdBegin()
		case "open":
			r.cmdOpen(args)
		case "write":
			r.cmdWrite(args)
		case "read":
			r.cmdRead(args)
		case "size":
			r.cmdSize(args)
		case "rm", "delete":
			r.cmdDelete(args)
		case "commit":
			r.cmdCommit()
		case "discard":
			r.cmdDiscard()
		case "status":
			r.cmdStatus()
		case "fsck":
			r.cmdFsck()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"begin", "open", "write", "read", "size", "rm", "delete",
		"commit", "discard", "status", "fsck", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  begin                         Start a transaction, make it current")
	fmt.Println("  open <path> [create|excl]     Open a file in the current transaction")
	fmt.Println("  write <path> <offset> <text>  Write bytes at offset (creates if needed)")
	fmt.Println("  read <path> <offset> <len>    Read bytes")
	fmt.Println("  size <path>                   Report a file's current size")
	fmt.Println("  rm <path>                     Delete a file")
	fmt.Println("  commit                        Commit the current transaction")
	fmt.Println("  discard                       Roll back the current transaction")
	fmt.Println("  status                        Report free/reserved block counts")
	fmt.Println("  fsck                          Validate catalog/free-set tree invariants")
	fmt.Println("  help                          Show this help")
	fmt.Println("  exit / quit / q               Exit")
}

func (r *REPL) cmdBegin() {
	if r.tr != nil {
		fmt.Println("Error: a transaction is already current (commit or discard it first)")
		return
	}

	tr, err := r.engine.Begin()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	r.tr = tr
	fmt.Println("OK: transaction started")
}

func (r *REPL) requireTxn() bool {
	if r.tr == nil {
		fmt.Println("Error: no current transaction (run 'begin' first)")
		return false
	}

	return true
}

func (r *REPL) cmdOpen(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: open <path> [create|excl]")
		return
	}

	if !r.requireTxn() {
		return
	}

	mode := files.NoCreate

	if len(args) >= 2 {
		switch strings.ToLower(args[1]) {
		case "create":
			mode = files.Create
		case "excl":
			mode = files.CreateExclusive
		default:
			fmt.Printf("Unknown open mode: %s\n", args[1])
			return
		}
	}

	f, err := r.engine.Open(r.tr, args[0], mode)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	r.open[args[0]] = f

	size, err := f.GetSize()
	if err != nil {
		fmt.Printf("Error reading size: %v\n", err)
		return
	}

	fmt.Printf("OK: opened %s (size=%d)\n", args[0], size)
}

func (r *REPL) resolveFile(path string) (*files.File, bool) {
	if f, ok := r.open[path]; ok {
		return f, true
	}

	if !r.requireTxn() {
		return nil, false
	}

	f, err := r.engine.Open(r.tr, path, files.Create)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return nil, false
	}

	r.open[path] = f

	return f, true
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: write <path> <offset> <text>")
		return
	}

	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing offset: %v\n", err)
		return
	}

	f, ok := r.resolveFile(args[0])
	if !ok {
		return
	}

	data := parsePayload(strings.Join(args[2:], " "))

	if err := f.Write(offset, data); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	size, err := f.GetSize()
	if err == nil && offset+uint64(len(data)) > size {
		if err := f.SetSize(offset + uint64(len(data))); err != nil {
			fmt.Printf("Error growing file: %v\n", err)
			return
		}
	}

	fmt.Printf("OK: wrote %d bytes at offset %d\n", len(data), offset)
}

func (r *REPL) cmdRead(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: read <path> <offset> <len>")
		return
	}

	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing offset: %v\n", err)
		return
	}

	length, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing length: %v\n", err)
		return
	}

	f, ok := r.resolveFile(args[0])
	if !ok {
		return
	}

	data, err := f.Read(offset, length)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("%s\n", formatPayload(data))
}

func (r *REPL) cmdSize(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: size <path>")
		return
	}

	f, ok := r.resolveFile(args[0])
	if !ok {
		return
	}

	size, err := f.GetSize()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("%d\n", size)
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rm <path>")
		return
	}

	if !r.requireTxn() {
		return
	}

	existed, err := r.engine.Delete(r.tr, args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	delete(r.open, args[0])

	if existed {
		fmt.Printf("OK: deleted %s\n", args[0])
	} else {
		fmt.Printf("OK: %s did not exist\n", args[0])
	}
}

func (r *REPL) cmdCommit() {
	if !r.requireTxn() {
		return
	}

	if err := r.engine.Commit(r.tr); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	r.tr = nil
	r.open = make(map[string]*files.File)
	fmt.Println("OK: committed")
}

func (r *REPL) cmdDiscard() {
	if !r.requireTxn() {
		return
	}

	if err := r.engine.Discard(r.tr); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	r.tr = nil
	r.open = make(map[string]*files.File)
	fmt.Println("OK: discarded")
}

func (r *REPL) cmdStatus() {
	free, reserved, err := r.engine.FreeBlocks()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Free blocks:     %d\n", free)
	fmt.Printf("Reserved blocks: %d\n", reserved)

	if r.tr != nil {
		fmt.Println("Transaction:     in progress")
	} else {
		fmt.Println("Transaction:     none")
	}
}

func (r *REPL) cmdFsck() {
	if err := r.engine.Check(); err != nil {
		fmt.Printf("FAIL: %v\n", err)
		return
	}

	fmt.Println("OK: catalog and free-set trees are structurally valid")
}

// parsePayload parses hex first, falling back to the literal bytes of s.
func parsePayload(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 {
		return raw
	}

	return []byte(s)
}

// formatPayload shows printable data as a quoted string, otherwise hex.
func formatPayload(data []byte) string {
	printable := true

	for _, b := range data {
		if b != 0 && (b < 32 || b > 126) {
			printable = false
			break
		}
	}

	if printable {
		return fmt.Sprintf("%q", string(data))
	}

	return hex.EncodeToString(data)
}
