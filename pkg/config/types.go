// Package config loads, validates, and snapshots the declarative
// run configuration: camera specs, pin assignment, MCU timing, and
// writer/display settings.
package config

import "time"

// TriggerMode selects how a camera's exposure is armed.
type TriggerMode string

const (
	TriggerExternal TriggerMode = "external"
	TriggerSoftware TriggerMode = "software"
	TriggerNone     TriggerMode = "none"
)

// Role identifies a camera's physical mounting position.
type Role string

const (
	RoleTop   Role = "top"
	RoleBottom Role = "bottom"
	RoleDepth  Role = "depth"
)

// SyncRole governs how a depth camera's subordinate_delay_off_master is
// interpreted.
type SyncRole string

const (
	SyncMaster     SyncRole = "master"
	SyncSubordinate SyncRole = "subordinate"
	SyncStandalone  SyncRole = "standalone"
)

// Vendor selects the concrete camera.Driver implementation.
type Vendor string

const (
	VendorMachineVision Vendor = "machine_vision"
	VendorDepth         Vendor = "depth"
	VendorEmulated      Vendor = "emulated"
)

// WriterConfig controls one camera's encoder backend and output
// rollover behavior.
type WriterConfig struct {
	Backend          string `yaml:"backend"` // "subprocess" or "gpu"
	Codec            string `yaml:"codec"`   // e.g. "h264", "ffv1", "hevc_nvenc"
	CRF              int    `yaml:"crf"`
	GPU              int    `yaml:"gpu"`
	FPS              int    `yaml:"fps"` // 0 means "inherit Config.FPS"; if set, must match it
	MaxVideoFrames   int    `yaml:"max_video_frames"`
	QueueCapacity    int    `yaml:"queue_capacity_frames"`
	FrameTimeoutMS   int    `yaml:"frame_timeout_ms"`
}

// DisplayConfig controls whether and how a camera's frames are
// subsampled into the operator preview fan-out.
type DisplayConfig struct {
	Enabled     bool    `yaml:"enabled"`
	PreviewFPS  float64 `yaml:"preview_fps"`
}

// CameraSpec fully describes one camera for the duration of a run.
type CameraSpec struct {
	Name             string        `yaml:"name"`
	Vendor           Vendor        `yaml:"vendor"`
	DeviceID         string        `yaml:"device_id"`
	Role             Role          `yaml:"role"`
	ExposureUS       int           `yaml:"exposure_us"`
	Gain             float64       `yaml:"gain"`
	Gamma            float64       `yaml:"gamma"`
	ROI              [4]int        `yaml:"roi"` // x, y, w, h; zero value means full frame
	TriggerMode      TriggerMode   `yaml:"trigger_mode"`
	SyncRole         SyncRole      `yaml:"sync_role"`
	SubordinateDelayOffMasterUS int `yaml:"subordinate_delay_off_master_us"`
	Writer           WriterConfig  `yaml:"writer"`
	Display          DisplayConfig `yaml:"display"`
}

// PinAssignment partitions every GPIO pin in a run by role. All slices
// must be pairwise disjoint; enforced by schedule.Plan/Validate, not
// here.
type PinAssignment struct {
	TopCameraPins    []uint16 `yaml:"top_camera_pins"`
	BottomCameraPins []uint16 `yaml:"bottom_camera_pins"`
	TopLightPins     []uint16 `yaml:"top_light_pins"`
	BottomLightPins  []uint16 `yaml:"bottom_light_pins"`
	DepthTriggerPins []uint16 `yaml:"depth_trigger_pins"`
	InputPins        []uint16 `yaml:"input_pins"`
	RandomOutputPins []uint16 `yaml:"random_output_pins"`
	CustomOutputPins []uint16 `yaml:"custom_output_pins"`
}

// CustomOutput is one user-supplied schedule event, applied verbatim
// by the planner.
type CustomOutput struct {
	TimeUS uint32 `yaml:"time_us"`
	Pin    uint16 `yaml:"pin"`
	State  uint8  `yaml:"state"`
}

// McuConfig holds serial transport and timing parameters for the
// microcontroller.
type McuConfig struct {
	Port                       string  `yaml:"port"`
	BaudRate                   int     `yaml:"baud_rate"`
	HandshakeTimeout           time.Duration `yaml:"handshake_timeout"`
	DepthPulseDurUS            uint32  `yaml:"depth_pulse_dur_us"`
	BaslerPulseDurUS           uint32  `yaml:"basler_pulse_dur_us"`
	BottomCameraOffsetUS       uint32  `yaml:"bottom_camera_offset_us"`
	GapBetweenDepthAndBaslerUS uint32  `yaml:"gap_between_depth_and_basler_us"`
	CyclesPerRandomBitFlip     int     `yaml:"cycles_per_random_bit_flip"`
}

// Config is the top-level declarative run configuration, loaded once
// at startup and immutable for the lifetime of a run.
type Config struct {
	FPS           int            `yaml:"fps"`
	Cameras       []CameraSpec   `yaml:"cameras"`
	Pins          PinAssignment  `yaml:"pins"`
	CustomOutputs []CustomOutput `yaml:"custom_outputs"`
	MCU           McuConfig      `yaml:"mcu"`
	SaveDir       string         `yaml:"save_dir"`
	DurationS     float64        `yaml:"duration_s"`
}

// NDepthCameras counts cameras with Vendor == VendorDepth.
func (c *Config) NDepthCameras() int {
	n := 0
	for _, cam := range c.Cameras {
		if cam.Vendor == VendorDepth {
			n++
		}
	}
	return n
}
