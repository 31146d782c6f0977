package blockdev

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/fs"
)

// FileDevice is the non-secure, host-file-backed transport for the
// engine's large main device (spec.md §6 "Non-secure backed device").
//
// Each block is stored as its own small file under dir, named by its
// zero-padded block number. A block that was never written reads back as
// all-zero ciphertext, modeling a freshly provisioned device. Writes go
// through [fs.AtomicWriter] (temp file + fsync + rename + directory fsync),
// so a torn write can never leave a block file holding a mix of old and
// new ciphertext — the spec's contract only requires the cache layer's MAC
// to catch corruption, but atomic-rename durability means a failed write
// here fails cleanly instead of corrupting previously-good data.
//
// StartRead/StartWrite enqueue the given callback against a per-device FIFO
// and perform the actual I/O from WaitForIO, matching blockdev.Device's
// completion-ordering contract even though the work itself is synchronous.
type FileDevice struct {
	fs     fs.FS
	atomic *fs.AtomicWriter
	dir    string
	info   DeviceInfo

	queue opQueue
}

// NewFileDevice creates (if needed) dir and returns a FileDevice described
// by info. info.TamperDetecting must be false: a plain host file offers no
// rollback protection.
func NewFileDevice(fsys fs.FS, dir string, info DeviceInfo) (*FileDevice, error) {
	if info.TamperDetecting {
		return nil, fmt.Errorf("blockdev: file device cannot be tamper-detecting")
	}

	if err := info.Validate(); err != nil {
		return nil, err
	}

	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blockdev: create device dir: %w", err)
	}

	return &FileDevice{
		fs:     fsys,
		atomic: fs.NewAtomicWriter(fsys),
		dir:    dir,
		info:   info,
	}, nil
}

func (d *FileDevice) Info() DeviceInfo { return d.info }

func (d *FileDevice) blockPath(block blockmac.BlockNum) string {
	return filepath.Join(d.dir, fmt.Sprintf("%020d.blk", uint64(block)))
}

func (d *FileDevice) StartRead(block blockmac.BlockNum, onDone func(data []byte, failed bool)) {
	d.queue.push(pendingOp{isWrite: false, block: block, onRead: onDone})
}

func (d *FileDevice) StartWrite(block blockmac.BlockNum, ciphertext []byte, onDone func(failed bool)) {
	buf := make([]byte, len(ciphertext))
	copy(buf, ciphertext)
	d.queue.push(pendingOp{isWrite: true, block: block, data: buf, onWrite: onDone})
}

func (d *FileDevice) WaitForIO() error {
	op, ok := d.queue.pop()
	if !ok {
		return nil
	}

	if uint64(op.block) >= d.info.BlockCount {
		if op.isWrite {
			op.onWrite(true)
		} else {
			op.onRead(nil, true)
		}

		return nil
	}

	if op.isWrite {
		err := d.atomic.WriteWithDefaults(d.blockPath(op.block), bytes.NewReader(op.data))
		op.onWrite(err != nil)

		return nil
	}

	data, err := d.fs.ReadFile(d.blockPath(op.block))
	if err != nil {
		if os.IsNotExist(err) {
			op.onRead(make([]byte, d.info.BlockSize), false)

			return nil
		}

		op.onRead(nil, true)

		return nil
	}

	if len(data) != d.info.BlockSize {
		op.onRead(nil, true)

		return nil
	}

	op.onRead(data, false)

	return nil
}

