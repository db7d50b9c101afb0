// Package geometry validates framebuffer geometry and derives the window
// register words and byte offsets of a display update.
package geometry

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/regport"
)

// ErrInvalidGeometry is wrapped by every validation failure. Nothing is
// written to the hardware when it is returned.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Format is the pixel format a bits-per-pixel value normalises to.
type Format int

const (
	FormatPalette Format = iota // 1, 2, 4 and 8 bpp
	FormatRGB565
	FormatRGB666 // stored unpacked in 32 bits
	FormatRGB888 // stored unpacked in 32 bits
)

func (f Format) String() string {
	switch f {
	case FormatPalette:
		return "palette"
	case FormatRGB565:
		return "rgb565"
	case FormatRGB666:
		return "rgb666"
	case FormatRGB888:
		return "rgb888"
	default:
		return "unknown"
	}
}

// Var is the variable geometry of one window update.
type Var struct {
	Window int

	XRes, YRes               uint32
	XResVirtual, YResVirtual uint32
	XOffset, YOffset         uint32

	BitsPerPixel uint32

	// Set by Normalize.
	Format       Format
	TranspLength uint32
}

// Timing is the panel timing used to derive the refresh rate.
type Timing struct {
	// PixClock is the pixel period in picoseconds.
	PixClock uint32

	LeftMargin, RightMargin, HSyncLen  uint32
	UpperMargin, LowerMargin, VSyncLen uint32
}

// Normalize validates v and returns it with the storage bits-per-pixel,
// format and transparency length filled in. Virtual resolution is raised to
// at least the visible resolution.
//
//	1, 2, 4, 8      → palette, transparency 1
//	16              → rgb565
//	18, 19          → rgb666 in 32 bits, 19 with 1-bit transparency
//	24, 25, 28, 32  → rgb888 in 32 bits, transparency bpp-24
func Normalize(v Var) (Var, error) {
	if v.Window < 0 || v.Window >= regport.MaxWindows {
		return v, fmt.Errorf("%w: window %d out of range", ErrInvalidGeometry, v.Window)
	}
	if v.XRes == 0 || v.YRes == 0 {
		return v, fmt.Errorf("%w: zero resolution %dx%d", ErrInvalidGeometry, v.XRes, v.YRes)
	}

	v.XResVirtual = max(v.XResVirtual, v.XRes)
	v.YResVirtual = max(v.YResVirtual, v.YRes)
	v.TranspLength = 0

	switch v.BitsPerPixel {
	case 1, 2, 4, 8:
		v.Format = FormatPalette
		v.TranspLength = 1
	case 16:
		v.Format = FormatRGB565
	case 18, 19:
		if v.BitsPerPixel == 19 {
			v.TranspLength = 1
		}
		v.Format = FormatRGB666
		v.BitsPerPixel = 32
	case 24, 25, 28, 32:
		v.TranspLength = v.BitsPerPixel - 24
		v.Format = FormatRGB888
		v.BitsPerPixel = 32
	default:
		return v, fmt.Errorf("%w: unsupported bpp %d", ErrInvalidGeometry, v.BitsPerPixel)
	}

	if (uint64(v.XRes)*uint64(v.BitsPerPixel))%8 != 0 {
		return v, fmt.Errorf("%w: %d pixels at %d bpp is not byte aligned", ErrInvalidGeometry, v.XRes, v.BitsPerPixel)
	}
	if uint64(v.XOffset)+uint64(v.XRes) > uint64(v.XResVirtual) ||
		uint64(v.YOffset)+uint64(v.YRes) > uint64(v.YResVirtual) {
		return v, fmt.Errorf("%w: pan %d,%d outside virtual %dx%d",
			ErrInvalidGeometry, v.XOffset, v.YOffset, v.XResVirtual, v.YResVirtual)
	}
	return v, nil
}

// LineLength returns the length of one virtual line in bytes.
func LineLength(v Var) uint64 {
	return uint64(v.XResVirtual) * uint64(v.BitsPerPixel) / 8
}

// PanOffset returns the byte offsets of the start and end of the displayed
// area inside the buffer. v must be normalised.
func PanOffset(v Var) (start, end uint64, err error) {
	line := LineLength(v)
	start = uint64(v.YOffset) * line

	switch {
	case v.BitsPerPixel >= 8:
		start += uint64(v.XOffset) * uint64(v.BitsPerPixel>>3)
	case v.BitsPerPixel == 4:
		start += uint64(v.XOffset >> 1)
	case v.BitsPerPixel == 2:
		start += uint64(v.XOffset >> 2)
	case v.BitsPerPixel == 1:
		start += uint64(v.XOffset >> 3)
	default:
		return 0, 0, fmt.Errorf("%w: unsupported bpp %d", ErrInvalidGeometry, v.BitsPerPixel)
	}

	end = start + uint64(v.YRes)*line
	return start, end, nil
}

// Control returns the window control word for a normalised v.
func Control(v Var) uint32 {
	ctrl := regport.WinEnable

	switch v.Format {
	case FormatPalette:
		if v.BitsPerPixel == 8 {
			ctrl |= regport.WinBPPPalette8
		} else {
			ctrl |= regport.WinBPPPaletteLo
		}
	case FormatRGB565:
		ctrl |= regport.WinBPPRGB565
	case FormatRGB666:
		ctrl |= regport.WinBPPRGB666
	case FormatRGB888:
		if v.TranspLength > 0 {
			ctrl |= regport.WinBlendPixel | regport.WinBPPABGR8888
		} else {
			ctrl |= regport.WinBPPXRGB8888
		}
	}

	if v.TranspLength != 1 {
		ctrl |= regport.WinAlphaSelect
	}
	return ctrl
}

// WindowRegs normalises v and returns the register set that shows it from
// the buffer at addr.
func WindowRegs(v Var, addr uint64) (regport.WindowRegs, Var, error) {
	v, err := Normalize(v)
	if err != nil {
		return regport.WindowRegs{}, v, err
	}
	start, end, err := PanOffset(v)
	if err != nil {
		return regport.WindowRegs{}, v, err
	}
	return regport.WindowRegs{
		Control:     Control(v),
		BufferStart: addr + start,
		BufferEnd:   addr + end,
		Width:       v.XRes,
		Height:      v.YRes,
	}, v, nil
}

// RefreshRate derives the refresh rate in Hz from the pixel clock. In
// command mode only the active area is transferred; in video mode the
// porches and sync lengths count too. Both divisions round to nearest.
func RefreshRate(v Var, t Timing, commandMode bool) (uint64, error) {
	if t.PixClock == 0 {
		return 0, fmt.Errorf("%w: zero pixel clock", ErrInvalidGeometry)
	}

	x := uint64(v.XRes)
	y := uint64(v.YRes)
	if !commandMode {
		x += uint64(t.LeftMargin) + uint64(t.RightMargin) + uint64(t.HSyncLen)
		y += uint64(t.UpperMargin) + uint64(t.LowerMargin) + uint64(t.VSyncLen)
	}
	area := x * y
	if area == 0 {
		return 0, fmt.Errorf("%w: zero frame area", ErrInvalidGeometry)
	}

	const picosPerSecond = 1_000_000_000_000
	hz := (picosPerSecond + area/2) / area
	pix := uint64(t.PixClock)
	hz = (hz + pix/2) / pix
	return hz, nil
}
