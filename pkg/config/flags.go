package config

import "flag"

// Flags holds run-level command-line flags and overlays them onto a
// loaded Config. cmd/trigcam does not use it; it registers its own
// run flags.
type Flags struct {
	ConfigPath   string
	SaveDir      string
	DurationS    float64
	MCUPort      string
	DisplayOn    bool
}

// RegisterFlags registers run flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "Path to the run's YAML configuration file")
	fs.StringVar(&f.SaveDir, "save", "", "Output directory for video, metadata, and the config snapshot")
	fs.Float64Var(&f.DurationS, "duration", 0, "Recording duration in seconds (0 uses the config's duration_s)")
	fs.StringVar(&f.MCUPort, "mcu-port", "", "Override the MCU serial port from the config file")
	fs.BoolVar(&f.DisplayOn, "display", false, "Enable the operator preview display fan-out")
	return f
}

// Apply overlays command-line overrides onto a loaded Config.
func (f *Flags) Apply(cfg *Config) {
	if f.SaveDir != "" {
		cfg.SaveDir = f.SaveDir
	}
	if f.DurationS > 0 {
		cfg.DurationS = f.DurationS
	}
	if f.MCUPort != "" {
		cfg.MCU.Port = f.MCUPort
	}
	if f.DisplayOn {
		for i := range cfg.Cameras {
			cfg.Cameras[i].Display.Enabled = true
		}
	}
}
