package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync"
)

// Config represents the complete displaysyncd configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Display          DisplayConfig  `yaml:"display"`
	Underrun         UnderrunConfig `yaml:"underrun"`
	Port             PortConfig     `yaml:"port"`
	TearingEffect    TEConfig       `yaml:"tearing_effect"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	HTTP             HTTPConfig     `yaml:"http"`
}

// DisplayConfig contains panel and state machine settings
type DisplayConfig struct {
	PanelMode      string         `yaml:"panel_mode"`   // video, command
	TriggerMode    string         `yaml:"trigger_mode"` // hw, sw
	VsyncTimeoutMS int            `yaml:"vsync_timeout_ms"`
	LPDEnabled     bool           `yaml:"lpd_enabled"`
	LPDEnterCount  int            `yaml:"lpd_enter_count"` // idle TE edges before LPD entry
	EmitVsync      bool           `yaml:"emit_vsync"`      // publish every vsync (chatty)
	Bandwidth      uint64         `yaml:"bandwidth"`       // bytes/s, reported with underruns
	Geometry       GeometryConfig `yaml:"geometry"`
	Timing         TimingConfig   `yaml:"timing"`
}

// GeometryConfig is the panel's native resolution
type GeometryConfig struct {
	XRes         uint32 `yaml:"xres"`
	YRes         uint32 `yaml:"yres"`
	BitsPerPixel uint32 `yaml:"bpp"`
}

// TimingConfig is the panel timing, pixclock in picoseconds
type TimingConfig struct {
	PixClock    uint32 `yaml:"pixclock"`
	LeftMargin  uint32 `yaml:"left_margin"`
	RightMargin uint32 `yaml:"right_margin"`
	HSyncLen    uint32 `yaml:"hsync_len"`
	UpperMargin uint32 `yaml:"upper_margin"`
	LowerMargin uint32 `yaml:"lower_margin"`
	VSyncLen    uint32 `yaml:"vsync_len"`
}

// UnderrunConfig contains underrun filter settings
type UnderrunConfig struct {
	IntervalMS int    `yaml:"interval_ms"`
	Threshold  uint64 `yaml:"threshold"`
}

// PortConfig selects the register block
type PortConfig struct {
	Type   string `yaml:"type"`   // sim, mem
	Device string `yaml:"device"` // UIO node for mem, e.g. /dev/uio0
	Size   int    `yaml:"size"`   // mapping size in bytes
	IRQ    string `yaml:"irq"`    // interrupt node, defaults to device
}

// TEConfig contains the tearing-effect input settings
type TEConfig struct {
	GPIO string `yaml:"gpio"` // pin name, empty disables
	Edge string `yaml:"edge"` // rising, falling
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // host:port, empty disables
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Buffer      int    `yaml:"buffer"` // events held while the broker is slow
}

// HTTPConfig contains the observability server settings
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown bound
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Device converts the display section into a device configuration.
// Modes have been checked by Validate.
func (c *Config) Device() displaysync.Config {
	panel, _ := displaysync.ParsePanelMode(c.Display.PanelMode)
	trigger, _ := displaysync.ParseTriggerMode(c.Display.TriggerMode)

	return displaysync.Config{
		DeviceID:          c.InstanceID,
		PanelMode:         panel,
		TriggerMode:       trigger,
		VsyncTimeout:      time.Duration(c.Display.VsyncTimeoutMS) * time.Millisecond,
		UnderrunInterval:  time.Duration(c.Underrun.IntervalMS) * time.Millisecond,
		UnderrunThreshold: c.Underrun.Threshold,
		LPDEnterCount:     c.Display.LPDEnterCount,
		LPDEnabled:        c.Display.LPDEnabled,
		EmitVsync:         c.Display.EmitVsync,
	}
}

// Geometry returns the panel's native geometry on window 0
func (c *Config) Geometry() displaysync.Geometry {
	return displaysync.Geometry{
		XRes:         c.Display.Geometry.XRes,
		YRes:         c.Display.Geometry.YRes,
		BitsPerPixel: c.Display.Geometry.BitsPerPixel,
	}
}

// Timing returns the panel timing
func (c *Config) Timing() displaysync.Timing {
	t := c.Display.Timing
	return displaysync.Timing{
		PixClock:    t.PixClock,
		LeftMargin:  t.LeftMargin,
		RightMargin: t.RightMargin,
		HSyncLen:    t.HSyncLen,
		UpperMargin: t.UpperMargin,
		LowerMargin: t.LowerMargin,
		VSyncLen:    t.VSyncLen,
	}
}
