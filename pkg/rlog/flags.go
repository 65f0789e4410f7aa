package rlog

import "flag"

// Flags holds logging-related command-line flags, registered alongside
// cmd/trigcam's own run flags.
type Flags struct {
	Level        string
	Format       string
	File         string
	DebugSchedule bool
	DebugMCU      bool
	DebugCapture  bool
	DebugEncode   bool
	DebugDisplay  bool
	DebugAll      bool
}

// RegisterFlags registers logging flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.Level, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.Format, "log-format", "text", "Log output format: text, json")
	fs.StringVar(&f.File, "log-file", "", "Log output file path (default: stdout)")

	fs.BoolVar(&f.DebugSchedule, "debug-schedule", false, "Verbose schedule planner/validator logging")
	fs.BoolVar(&f.DebugMCU, "debug-mcu", false, "Verbose MCU wire protocol logging")
	fs.BoolVar(&f.DebugCapture, "debug-capture", false, "Verbose capture worker logging")
	fs.BoolVar(&f.DebugEncode, "debug-encode", false, "Verbose encoder worker logging")
	fs.BoolVar(&f.DebugDisplay, "debug-display", false, "Verbose display fan-out logging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts parsed Flags into a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.Format)
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	cfg.OutputFile = f.File

	debugs := map[Category]bool{
		CategorySchedule: f.DebugSchedule,
		CategoryMCU:      f.DebugMCU,
		CategoryCapture:  f.DebugCapture,
		CategoryEncode:   f.DebugEncode,
		CategoryDisplay:  f.DebugDisplay,
	}

	if f.DebugAll {
		cfg.EnableCategory(CategoryAll)
		cfg.Level = LevelDebug
	} else {
		for cat, on := range debugs {
			if on {
				cfg.EnableCategory(cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}
