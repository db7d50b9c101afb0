package displaysync

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/underrun"
)

// PanelMode is how the panel is refreshed.
type PanelMode int

const (
	// PanelVideo: the controller streams frames continuously; the frame
	// interrupt marks vsync.
	PanelVideo PanelMode = iota
	// PanelCommand: frames are transferred in bursts; the panel's
	// tearing-effect line marks vsync.
	PanelCommand
)

// String returns the mode name used in config files and logs.
func (m PanelMode) String() string {
	switch m {
	case PanelVideo:
		return "video"
	case PanelCommand:
		return "command"
	default:
		return fmt.Sprintf("PanelMode(%d)", int(m))
	}
}

// ParsePanelMode parses "video" or "command".
func ParsePanelMode(s string) (PanelMode, error) {
	switch s {
	case "video":
		return PanelVideo, nil
	case "command":
		return PanelCommand, nil
	default:
		return 0, fmt.Errorf("displaysync: unknown panel mode %q (want video or command)", s)
	}
}

// TriggerMode selects who starts a frame transfer.
type TriggerMode int

const (
	// TriggerHardware: the update path triggers the transfer itself.
	TriggerHardware TriggerMode = iota
	// TriggerSoftware: every tearing-effect edge triggers a transfer.
	TriggerSoftware
)

// String returns the mode name used in config files and logs.
func (m TriggerMode) String() string {
	switch m {
	case TriggerHardware:
		return "hw"
	case TriggerSoftware:
		return "sw"
	default:
		return fmt.Sprintf("TriggerMode(%d)", int(m))
	}
}

// ParseTriggerMode parses "hw" or "sw".
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch s {
	case "hw":
		return TriggerHardware, nil
	case "sw":
		return TriggerSoftware, nil
	default:
		return 0, fmt.Errorf("displaysync: unknown trigger mode %q (want hw or sw)", s)
	}
}

// Geometry describes the buffer area a display update shows on one window.
type Geometry struct {
	Window int

	XRes, YRes               uint32 // visible resolution
	XResVirtual, YResVirtual uint32 // buffer resolution, 0 means visible
	XOffset, YOffset         uint32 // pan offset into the buffer

	BitsPerPixel uint32
}

// Vsync is one public vsync event delivered to subscribers.
type Vsync struct {
	Seq       uint64
	Timestamp int64 // ns since device epoch
}

// EventKind names a device event.
type EventKind string

const (
	EventVsync           EventKind = "vsync"
	EventUnderrun        EventKind = "underrun"
	EventUnderrunSummary EventKind = "underrun_summary"
	EventLPDEnter        EventKind = "lpd_enter"
	EventLPDExit         EventKind = "lpd_exit"
	EventPowerOn         EventKind = "power_on"
	EventPowerOff        EventKind = "power_off"
	EventSequenceFailure EventKind = "sequence_failure"
	EventVsyncTimeout    EventKind = "vsync_timeout"
)

// Event is a device event handed to an EventSink.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Device    string         `json:"device"`
	Session   string         `json:"session"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventSink receives device events. Publish is called from interrupt and
// transition paths and must not block.
type EventSink interface {
	Publish(Event)
}

// FrameStats counts frame events.
type FrameStats struct {
	VsyncCount         uint64 `json:"vsync_count"`
	FrameDoneCount     uint64 `json:"frame_done_count"`
	FrameStartReleases uint64 `json:"frame_start_releases"`
	VsyncReleases      uint64 `json:"vsync_releases"`
	VsyncTimestamp     int64  `json:"vsync_timestamp"`
	VsyncEvents        bool   `json:"vsync_events"`
}

// InterruptStats counts hardware events.
type InterruptStats struct {
	Interrupts       uint64 `json:"interrupts"`
	Gated            uint64 `json:"gated"`
	Frames           uint64 `json:"frames"`
	Underruns        uint64 `json:"underruns"`
	FrameDones       uint64 `json:"frame_dones"`
	UnknownBits      uint64 `json:"unknown_bits"`
	TearingEffects   uint64 `json:"tearing_effects"`
	SoftwareTriggers uint64 `json:"software_triggers"`
}

// UnderrunStats describes underrun filtering.
type UnderrunStats struct {
	Total       uint64    `json:"total"`
	Logged      uint64    `json:"logged"`
	Suppressed  uint64    `json:"suppressed"`
	Summaries   uint64    `json:"summaries"`
	Pending     uint64    `json:"pending"`
	WindowOpen  bool      `json:"window_open"`
	LastAt      time.Time `json:"last_at"`
	FIFOLevel   uint32    `json:"fifo_level"`
	Bandwidth   uint64    `json:"bandwidth"`
	ChannelMap  uint32    `json:"channel_map"`
	UsedWindows uint64    `json:"used_windows"`
}

// LPDStats describes the low-power display state machine.
type LPDStats struct {
	Enabled          bool   `json:"enabled"`
	BlockCount       int64  `json:"block_count"`
	TrigCount        int64  `json:"trig_count"`
	Entries          uint64 `json:"entries"`
	Exits            uint64 `json:"exits"`
	EntrySkipped     uint64 `json:"entry_skipped"`
	EntriesScheduled uint64 `json:"entries_scheduled"`
	SequenceFailures uint64 `json:"sequence_failures"`
}

// UpdateStats counts display updates.
type UpdateStats struct {
	Applied         uint64 `json:"applied"`
	VsyncTimeouts   uint64 `json:"vsync_timeouts"`
	InvalidGeometry uint64 `json:"invalid_geometry"`
	DisplayOff      uint64 `json:"display_off"`
}

// SubscriberStats is the state of one vsync subscriber.
type SubscriberStats struct {
	LastConsumedAt   time.Time `json:"last_consumed_at"`
	LastConsumedSeq  uint64    `json:"last_consumed_seq"`
	ConsecutiveDrops uint64    `json:"consecutive_drops"`
	TotalDrops       uint64    `json:"total_drops"`
	IsIdle           bool      `json:"is_idle"`
}

// Stats is an operational snapshot of a Device.
//
// Fields are read one component at a time, so counters from different
// components may be slightly out of step.
type Stats struct {
	DeviceID    string                     `json:"device_id"`
	Session     string                     `json:"session"`
	State       string                     `json:"state"`
	PanelMode   string                     `json:"panel_mode"`
	TriggerMode string                     `json:"trigger_mode"`
	Frames      FrameStats                 `json:"frames"`
	Interrupts  InterruptStats             `json:"interrupts"`
	Underrun    UnderrunStats              `json:"underrun"`
	LPD         LPDStats                   `json:"lpd"`
	Updates     UpdateStats                `json:"updates"`
	Published   uint64                     `json:"vsync_published"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

// CadenceStats describes the vsync cadence over a measurement window.
type CadenceStats struct {
	Samples      int
	Duration     time.Duration
	HzMean       float64
	HzStdDev     float64
	HzMin        float64
	HzMax        float64
	IsStable     bool
	JitterMean   time.Duration
	JitterStdDev time.Duration
	JitterMax    time.Duration
}

func underrunFields(d underrun.Decision) map[string]any {
	return map[string]any{
		"count":        d.Stat.Count,
		"suppressed":   d.Suppressed,
		"fifo_level":   d.Stat.FIFOLevel,
		"bandwidth":    d.Stat.Bandwidth,
		"channel_map":  d.Stat.ChannelMap,
		"used_windows": d.Stat.UsedWindows,
	}
}

// State is the display power state.
type State = clock.State

const (
	StateOff         = clock.StateOff
	StateInit        = clock.StateInit
	StateOn          = clock.StateOn
	StateEnteringLPD = clock.StateEnteringLPD
	StateLPD         = clock.StateLPD
	StateExitingLPD  = clock.StateExitingLPD
)

// Timing is the panel timing a refresh rate is derived from.
type Timing struct {
	// PixClock is the pixel period in picoseconds.
	PixClock uint32

	LeftMargin, RightMargin, HSyncLen  uint32
	UpperMargin, LowerMargin, VSyncLen uint32
}

// RefreshRate returns the refresh rate in Hz of a panel of g's visible size
// driven with t. Command-mode panels only transfer the active area.
func RefreshRate(g Geometry, t Timing, mode PanelMode) (uint64, error) {
	hz, err := geometry.RefreshRate(g.toVar(), geometry.Timing(t), mode == PanelCommand)
	if err != nil {
		return 0, &DisplayError{Kind: KindInvalidGeometry, Op: "refresh_rate", Err: err}
	}
	return hz, nil
}

func (g Geometry) toVar() geometry.Var {
	return geometry.Var{
		Window:       g.Window,
		XRes:         g.XRes,
		YRes:         g.YRes,
		XResVirtual:  g.XResVirtual,
		YResVirtual:  g.YResVirtual,
		XOffset:      g.XOffset,
		YOffset:      g.YOffset,
		BitsPerPixel: g.BitsPerPixel,
	}
}
