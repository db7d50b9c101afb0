package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}

	if err := validateDisplay(&cfg.Display); err != nil {
		return fmt.Errorf("display: %w", err)
	}

	if cfg.Underrun.IntervalMS < 0 {
		return fmt.Errorf("underrun.interval_ms must be >= 0")
	}
	if cfg.Underrun.IntervalMS == 0 {
		cfg.Underrun.IntervalMS = 100
	}
	if cfg.Underrun.Threshold == 0 {
		cfg.Underrun.Threshold = 5
	}

	if err := validatePort(&cfg.Port); err != nil {
		return fmt.Errorf("port: %w", err)
	}

	switch cfg.TearingEffect.Edge {
	case "":
		cfg.TearingEffect.Edge = "rising"
	case "rising", "falling":
	default:
		return fmt.Errorf("tearing_effect.edge must be 'rising' or 'falling', got '%s'", cfg.TearingEffect.Edge)
	}

	// MQTT is optional; defaults apply only when a broker is set
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = fmt.Sprintf("displaysyncd-%s", cfg.InstanceID)
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "care/display"
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
		}
		if cfg.MQTT.Buffer <= 0 {
			cfg.MQTT.Buffer = 256
		}
	}

	return nil
}

func validateDisplay(d *DisplayConfig) error {
	if d.PanelMode == "" {
		d.PanelMode = "command"
	}
	if _, err := displaysync.ParsePanelMode(d.PanelMode); err != nil {
		return err
	}
	if d.TriggerMode == "" {
		d.TriggerMode = "hw"
	}
	if _, err := displaysync.ParseTriggerMode(d.TriggerMode); err != nil {
		return err
	}

	if d.VsyncTimeoutMS < 0 {
		return fmt.Errorf("vsync_timeout_ms must be >= 0")
	}
	if d.VsyncTimeoutMS == 0 {
		d.VsyncTimeoutMS = int(displaysync.DefaultVsyncTimeout.Milliseconds())
	}
	if d.LPDEnterCount < 0 {
		return fmt.Errorf("lpd_enter_count must be >= 0")
	}
	if d.LPDEnterCount == 0 {
		d.LPDEnterCount = 2
	}

	g := &d.Geometry
	if g.XRes == 0 || g.YRes == 0 {
		return fmt.Errorf("geometry.xres and geometry.yres are required")
	}
	if g.BitsPerPixel == 0 {
		g.BitsPerPixel = 32
	}
	if d.Timing.PixClock == 0 {
		return fmt.Errorf("timing.pixclock is required")
	}
	return nil
}

func validatePort(p *PortConfig) error {
	switch p.Type {
	case "", "sim":
		p.Type = "sim"
	case "mem":
		if p.Device == "" {
			return fmt.Errorf("device is required for port type 'mem'")
		}
		if p.Size <= 0 {
			p.Size = 4096
		}
		if p.IRQ == "" {
			p.IRQ = p.Device
		}
	default:
		return fmt.Errorf("unknown type '%s' (must be 'sim' or 'mem')", p.Type)
	}
	return nil
}
