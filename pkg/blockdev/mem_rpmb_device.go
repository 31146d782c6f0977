package blockdev

import (
	"github.com/calvinalkan/trustystore/pkg/blockmac"
)

// MemRPMBDevice is an in-process double for a tamper-detecting device
// (spec.md §6): the super device, and optionally an RPMB-backed main
// device. It holds its data in memory and models RPMB's defining property
// — a successful, acknowledged write can never be silently rolled back —
// by keeping a single "committed" copy per block that only ever moves
// forward via WaitForIO, never reverted in place.
//
// Snapshot/Restore let tests model a process restart while preserving that
// anti-rollback guarantee: Snapshot captures the committed bytes, and a
// fresh MemRPMBDevice built from RestoreFrom starts from exactly that
// state, the way remounting against the same physical RPMB chip would.
type MemRPMBDevice struct {
	info   DeviceInfo
	blocks [][]byte

	queue opQueue
}

// NewMemRPMBDevice creates a zero-initialized tamper-detecting device.
// info.TamperDetecting must be true.
func NewMemRPMBDevice(info DeviceInfo) (*MemRPMBDevice, error) {
	if !info.TamperDetecting {
		return nil, errNotTamperDetecting
	}

	if err := info.Validate(); err != nil {
		return nil, err
	}

	blocks := make([][]byte, info.BlockCount)
	for i := range blocks {
		blocks[i] = make([]byte, info.BlockSize)
	}

	return &MemRPMBDevice{info: info, blocks: blocks}, nil
}

// RestoreFrom rebuilds a device from a prior Snapshot, modeling a remount
// against the same physical chip.
func RestoreFrom(info DeviceInfo, snapshot [][]byte) (*MemRPMBDevice, error) {
	dev, err := NewMemRPMBDevice(info)
	if err != nil {
		return nil, err
	}

	for i, b := range snapshot {
		if i >= len(dev.blocks) {
			break
		}

		copy(dev.blocks[i], b)
	}

	return dev, nil
}

// Snapshot returns a deep copy of every block's committed bytes.
func (d *MemRPMBDevice) Snapshot() [][]byte {
	out := make([][]byte, len(d.blocks))
	for i, b := range d.blocks {
		cp := make([]byte, len(b))
		copy(cp, b)
		out[i] = cp
	}

	return out
}

func (d *MemRPMBDevice) Info() DeviceInfo { return d.info }

func (d *MemRPMBDevice) StartRead(block blockmac.BlockNum, onDone func(data []byte, failed bool)) {
	d.queue.push(pendingOp{isWrite: false, block: block, onRead: onDone})
}

func (d *MemRPMBDevice) StartWrite(block blockmac.BlockNum, ciphertext []byte, onDone func(failed bool)) {
	buf := make([]byte, len(ciphertext))
	copy(buf, ciphertext)
	d.queue.push(pendingOp{isWrite: true, block: block, data: buf, onWrite: onDone})
}

func (d *MemRPMBDevice) WaitForIO() error {
	op, ok := d.queue.pop()
	if !ok {
		return nil
	}

	if uint64(op.block) >= uint64(len(d.blocks)) {
		if op.isWrite {
			op.onWrite(true)
		} else {
			op.onRead(nil, true)
		}

		return nil
	}

	if op.isWrite {
		if len(op.data) != d.info.BlockSize {
			op.onWrite(true)

			return nil
		}

		// The copy only ever replaces the committed block once the "write"
		// is acknowledged here - there is no window where a reader could
		// observe a half-written block, matching RPMB's all-or-nothing
		// write semantics.
		copy(d.blocks[op.block], op.data)
		op.onWrite(false)

		return nil
	}

	out := make([]byte, d.info.BlockSize)
	copy(out, d.blocks[op.block])
	op.onRead(out, false)

	return nil
}
