// Package regport defines the register block the display coordinator drives
// and ships two implementations of it: Sim, an in-memory block used by tests
// and the demo daemon, and Mem, a memory-mapped block opened from a UIO device
// node. IRQ delivers the block's interrupt line from the same UIO node.
//
// The register layout used by Mem is this module's own abstract layout. It is
// not the layout of any particular SoC.
package regport

import "fmt"

// Status is the latched interrupt status word. Each bit is acknowledged
// independently with AckStatus.
type Status uint32

const (
	// StatusFrame is raised at the start of every frame (vsync).
	StatusFrame Status = 1 << iota
	// StatusFIFO is raised when the pixel FIFO underruns.
	StatusFIFO
	// StatusFrameDone is raised when a command-mode (burst) transfer completes.
	StatusFrameDone

	// StatusAll covers every bit the coordinator knows about.
	StatusAll = StatusFrame | StatusFIFO | StatusFrameDone
)

// Has reports whether every bit in bits is set.
func (s Status) Has(bits Status) bool {
	return s&bits == bits
}

// String returns a compact representation, e.g. "frame|fifo".
func (s Status) String() string {
	if s == 0 {
		return "none"
	}
	out := ""
	add := func(name string) {
		if out != "" {
			out += "|"
		}
		out += name
	}
	if s&StatusFrame != 0 {
		add("frame")
	}
	if s&StatusFIFO != 0 {
		add("fifo")
	}
	if s&StatusFrameDone != 0 {
		add("frame_done")
	}
	if rest := s &^ StatusAll; rest != 0 {
		add(fmt.Sprintf("0x%x", uint32(rest)))
	}
	return out
}

// MaxWindows is the number of hardware windows (overlay planes) a block has.
const MaxWindows = 8

// WindowControl bits written into WindowRegs.Control.
const (
	WinEnable      uint32 = 1 << 0
	WinAlphaSelect uint32 = 1 << 1
	WinBlendPixel  uint32 = 1 << 2

	WinBPPShift            = 8
	WinBPPMask      uint32 = 0xf << WinBPPShift
	WinBPPPalette8  uint32 = 0x3 << WinBPPShift
	WinBPPRGB565    uint32 = 0x5 << WinBPPShift
	WinBPPRGB666    uint32 = 0x8 << WinBPPShift
	WinBPPXRGB8888  uint32 = 0xb << WinBPPShift
	WinBPPABGR8888  uint32 = 0xd << WinBPPShift
	WinBPPPaletteLo uint32 = 0x1 << WinBPPShift
)

// WindowRegs is the set of dependent registers describing one window. They
// must reach the hardware together, which is why writes happen under shadow
// protect.
type WindowRegs struct {
	Control     uint32
	BufferStart uint64
	BufferEnd   uint64
	Width       uint32
	Height      uint32
	OffsetX     uint32
	OffsetY     uint32
}

// UnderrunRegs is what the block reports about its FIFO when an underrun
// is latched.
type UnderrunRegs struct {
	// FIFOLevel is the number of valid entries left in FIFO 0.
	FIFOLevel uint32
	// ChannelMap is the window to DMA channel map.
	ChannelMap uint32
	// WindowEnable has bit i set for every enabled window i.
	WindowEnable uint32
}

// Port is the register capability the coordinator consumes.
//
// Implementations must be safe for concurrent use: the interrupt path and the
// display update path both touch the port.
type Port interface {
	// ReadStatus returns the latched interrupt status.
	ReadStatus() Status
	// AckStatus clears the given status bits (write-1-to-clear).
	AckStatus(bits Status)
	// SetShadowProtect holds (true) or releases (false) the shadow copy of a
	// window's registers so a multi-register update is applied atomically at
	// the next frame boundary.
	SetShadowProtect(window int, enabled bool)
	// TriggerUpdate requests transfer of the next frame.
	TriggerUpdate()
	// WriteWindow writes a window's register set.
	WriteWindow(window int, regs WindowRegs)
	// ReadUnderrun snapshots the FIFO diagnostics registers.
	ReadUnderrun() UnderrunRegs
}
