package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults returns a Config with every spec-mandated default applied,
// before a camera list or pin assignment is loaded on top of it.
func Defaults(fps int) *Config {
	return &Config{
		FPS: fps,
		MCU: McuConfig{
			BaudRate:                   115200,
			DepthPulseDurUS:            100,
			BaslerPulseDurUS:           100,
			BottomCameraOffsetUS:       100,
			GapBetweenDepthAndBaslerUS: 50,
			CyclesPerRandomBitFlip:     1,
		},
	}
}

// Load reads, parses, and validates a YAML run configuration from
// path. Defaults are applied for any zero-valued writer field before
// validation runs.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Defaults(30)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyWriterDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyWriterDefaults(cfg *Config) {
	for i := range cfg.Cameras {
		w := &cfg.Cameras[i].Writer
		if w.MaxVideoFrames == 0 {
			w.MaxVideoFrames = cfg.FPS * 86400
		}
		if w.QueueCapacity == 0 {
			w.QueueCapacity = 2 * cfg.FPS
		}
		if w.FrameTimeoutMS == 0 {
			w.FrameTimeoutMS = 1000
		}
		if cfg.Cameras[i].Display.PreviewFPS == 0 {
			cfg.Cameras[i].Display.PreviewFPS = 5
		}
	}
}

// Validate checks cfg against the union of the two rule sets found in
// the original implementation's divergent validate_recording_config
// functions (see DESIGN.md), plus the schedule-level checks that
// schedule.Plan/Validate would otherwise surface late.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("config invalid: at least one camera is required")
	}

	names := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("config invalid: camera name must not be empty")
		}
		if names[cam.Name] {
			return fmt.Errorf("config invalid: duplicate camera name %q", cam.Name)
		}
		names[cam.Name] = true

		switch cam.Vendor {
		case VendorMachineVision, VendorDepth, VendorEmulated:
		default:
			return fmt.Errorf("config invalid: camera %q has unsupported vendor %q", cam.Name, cam.Vendor)
		}

		if cam.Vendor == VendorDepth && cam.SubordinateDelayOffMasterUS%160 != 0 {
			return fmt.Errorf("config invalid: camera %q subordinate_delay_off_master_us (%d) must be a multiple of 160", cam.Name, cam.SubordinateDelayOffMasterUS)
		}

		// Depth cameras run their sensor at a fixed 30fps regardless of
		// the run's basler fps, so only non-depth writer fps is checked
		// against the global rate.
		if cam.Vendor != VendorDepth && cam.Writer.FPS != 0 && cam.Writer.FPS != c.FPS {
			return fmt.Errorf("config invalid: camera %q writer fps (%d) must match global fps (%d)", cam.Name, cam.Writer.FPS, c.FPS)
		}

		switch w := cam.Writer.Backend; w {
		case "", "subprocess", "gpu":
		default:
			return fmt.Errorf("config invalid: camera %q has unsupported writer backend %q", cam.Name, w)
		}

		if cam.Display.Enabled && cam.Display.PreviewFPS > 0 && c.FPS%int(cam.Display.PreviewFPS) != 0 {
			return fmt.Errorf("config invalid: camera %q fps %d is not a multiple of display fps %v", cam.Name, c.FPS, cam.Display.PreviewFPS)
		}
	}

	if c.FPS%30 != 0 {
		return fmt.Errorf("config invalid: fps %d must be a multiple of the depth camera's 30 fps rate", c.FPS)
	}

	if len(c.Pins.TopCameraPins) == 0 {
		return fmt.Errorf("config invalid: at least one top camera trigger pin is required")
	}

	nDepth := c.NDepthCameras()
	if nDepth > 0 && len(c.Pins.DepthTriggerPins) == 0 {
		return fmt.Errorf("config invalid: at least one depth trigger pin is required when a depth camera is configured")
	}
	if nDepth == 0 && len(c.Pins.DepthTriggerPins) != 0 {
		return fmt.Errorf("config invalid: depth_trigger_pins set but no depth camera is configured")
	}

	for _, co := range c.CustomOutputs {
		if co.State != 0 && co.State != 1 {
			return fmt.Errorf("config invalid: custom output on pin %d has state %d, must be 0 or 1", co.Pin, co.State)
		}
	}

	return nil
}

// Snapshot writes cfg to path as YAML, for the `<prefix>.config.yaml`
// record kept alongside a run's output.
func Snapshot(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config snapshot %s: %w", path, err)
	}
	return nil
}
