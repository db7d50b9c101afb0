//go:build linux

package regport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Register offsets (bytes) of the block Mem drives.
const (
	regStatus     = 0x000 // latched interrupt status (R)
	regAck        = 0x004 // write-1-to-clear acknowledge (W)
	regShadow     = 0x008 // bit i holds window i's shadow copy (RW)
	regTrigger    = 0x00c // write 1 to request a transfer (W)
	regFIFOLevel  = 0x010 // valid entries in FIFO 0 (R)
	regChannelMap = 0x014 // window to DMA channel map (R)
	regWinEnable  = 0x018 // bit i set when window i is enabled (R)
	regPower      = 0x01c // write 1 to power up, 0 to power down; reads back state (RW)

	regWindowBase = 0x100
	windowStride  = 0x20

	winControl = 0x00
	winStartLo = 0x04
	winStartHi = 0x08
	winEndLo   = 0x0c
	winEndHi   = 0x10
	winWidth   = 0x14
	winHeight  = 0x18
	winOffset  = 0x1c // x<<16 | y
)

// MinMemSize is the smallest mapping Mem accepts.
const MinMemSize = regWindowBase + MaxWindows*windowStride

// ErrPowerTimeout is returned when the block does not acknowledge a power
// sequence.
var ErrPowerTimeout = errors.New("regport: power sequence not acknowledged")

// Mem is a Port backed by a memory-mapped register block.
//
// The mapping normally comes from a UIO device node (map 0 at offset 0) but
// any mmap-able file works, which is how the tests drive it.
type Mem struct {
	// memlock covers read/modify/write of shared registers. Plain loads and
	// stores are single 32-bit accesses and skip it.
	memlock sync.Mutex
	mem8    []byte
	mem     []uint32
}

// OpenMem maps size bytes of the register block at path.
func OpenMem(path string, size int) (*Mem, error) {
	if size < MinMemSize {
		return nil, fmt.Errorf("regport: mapping size %d below minimum %d", size, MinMemSize)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("regport: open %s: %w", path, err)
	}
	// The descriptor can be closed once the mapping exists.
	defer unix.Close(fd)

	mem8, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("regport: mmap %s: %w", path, err)
	}

	return &Mem{
		mem8: mem8,
		mem:  unsafe.Slice((*uint32)(unsafe.Pointer(&mem8[0])), len(mem8)/4),
	}, nil
}

// Close unmaps the block.
func (m *Mem) Close() error {
	m.memlock.Lock()
	defer m.memlock.Unlock()
	if m.mem8 == nil {
		return nil
	}
	err := unix.Munmap(m.mem8)
	m.mem8 = nil
	m.mem = nil
	return err
}

func (m *Mem) read(off int) uint32 {
	return atomic.LoadUint32(&m.mem[off/4])
}

func (m *Mem) write(off int, v uint32) {
	atomic.StoreUint32(&m.mem[off/4], v)
}

// ReadStatus implements Port.
func (m *Mem) ReadStatus() Status {
	return Status(m.read(regStatus))
}

// AckStatus implements Port.
func (m *Mem) AckStatus(bits Status) {
	m.write(regAck, uint32(bits))
}

// SetShadowProtect implements Port.
func (m *Mem) SetShadowProtect(window int, enabled bool) {
	if window < 0 || window >= MaxWindows {
		return
	}
	m.memlock.Lock()
	defer m.memlock.Unlock()

	v := m.read(regShadow)
	if enabled {
		v |= 1 << uint(window)
	} else {
		v &^= 1 << uint(window)
	}
	m.write(regShadow, v)
}

// TriggerUpdate implements Port.
func (m *Mem) TriggerUpdate() {
	m.write(regTrigger, 1)
}

// WriteWindow implements Port.
func (m *Mem) WriteWindow(window int, regs WindowRegs) {
	if window < 0 || window >= MaxWindows {
		return
	}
	base := regWindowBase + window*windowStride
	m.write(base+winStartLo, uint32(regs.BufferStart))
	m.write(base+winStartHi, uint32(regs.BufferStart>>32))
	m.write(base+winEndLo, uint32(regs.BufferEnd))
	m.write(base+winEndHi, uint32(regs.BufferEnd>>32))
	m.write(base+winWidth, regs.Width)
	m.write(base+winHeight, regs.Height)
	m.write(base+winOffset, regs.OffsetX<<16|regs.OffsetY&0xffff)
	// Control last: it carries the enable bit.
	m.write(base+winControl, regs.Control)
}

// ReadWindow reads back a window's register set.
func (m *Mem) ReadWindow(window int) WindowRegs {
	if window < 0 || window >= MaxWindows {
		return WindowRegs{}
	}
	base := regWindowBase + window*windowStride
	off := m.read(base + winOffset)
	return WindowRegs{
		Control:     m.read(base + winControl),
		BufferStart: uint64(m.read(base+winStartHi))<<32 | uint64(m.read(base+winStartLo)),
		BufferEnd:   uint64(m.read(base+winEndHi))<<32 | uint64(m.read(base+winEndLo)),
		Width:       m.read(base + winWidth),
		Height:      m.read(base + winHeight),
		OffsetX:     off >> 16,
		OffsetY:     off & 0xffff,
	}
}

// ReadUnderrun implements Port.
func (m *Mem) ReadUnderrun() UnderrunRegs {
	return UnderrunRegs{
		FIFOLevel:    m.read(regFIFOLevel),
		ChannelMap:   m.read(regChannelMap),
		WindowEnable: m.read(regWinEnable),
	}
}

// Enable writes the power-up request and checks it was latched.
func (m *Mem) Enable(ctx context.Context) error {
	return m.power(ctx, 1)
}

// Disable writes the power-down request and checks it was latched.
func (m *Mem) Disable(ctx context.Context) error {
	return m.power(ctx, 0)
}

func (m *Mem) power(ctx context.Context, want uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.write(regPower, want)
	if m.read(regPower)&1 != want {
		return ErrPowerTimeout
	}
	return nil
}
