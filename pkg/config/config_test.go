package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Defaults(30)
	cfg.Cameras = []CameraSpec{
		{Name: "top0", Vendor: VendorEmulated, Role: RoleTop, ExposureUS: 500},
	}
	cfg.Pins.TopCameraPins = []uint16{2}
	applyWriterDefaults(cfg)
	return cfg
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingCameras(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras = nil
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateCameraNames(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras = append(cfg.Cameras, cfg.Cameras[0])
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnsupportedVendor(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras[0].Vendor = "unknown"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsFPSNotMultipleOf30(t *testing.T) {
	cfg := validConfig()
	cfg.FPS = 45
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingTopCameraPin(t *testing.T) {
	cfg := validConfig()
	cfg.Pins.TopCameraPins = nil
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDepthPinsWithoutDepthCamera(t *testing.T) {
	cfg := validConfig()
	cfg.Pins.DepthTriggerPins = []uint16{9}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDepthCameraWithoutDepthPins(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras = append(cfg.Cameras, CameraSpec{Name: "depth0", Vendor: VendorDepth, Role: RoleDepth})
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonMultipleSubordinateDelay(t *testing.T) {
	cfg := validConfig()
	cfg.Pins.DepthTriggerPins = []uint16{9}
	cfg.Cameras = append(cfg.Cameras, CameraSpec{
		Name: "depth0", Vendor: VendorDepth, Role: RoleDepth,
		SyncRole: SyncSubordinate, SubordinateDelayOffMasterUS: 100,
	})
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsWriterFPSMismatchedWithGlobalFPS(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras[0].Writer.FPS = 60
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsWriterFPSMatchingGlobalFPS(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras[0].Writer.FPS = cfg.FPS
	assert.NoError(t, cfg.Validate())
}

func TestValidateIgnoresWriterFPSMismatchForDepthCameras(t *testing.T) {
	cfg := validConfig()
	cfg.Pins.DepthTriggerPins = []uint16{9}
	cfg.Cameras = append(cfg.Cameras, CameraSpec{
		Name: "depth0", Vendor: VendorDepth, Role: RoleDepth,
		Writer: WriterConfig{FPS: 99}, // a depth camera's sensor fps is fixed at 30, never checked
	})
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadCustomOutputState(t *testing.T) {
	cfg := validConfig()
	cfg.CustomOutputs = []CustomOutput{{TimeUS: 10, Pin: 20, State: 7}}
	assert.Error(t, cfg.Validate())
}

func TestLoadRoundTripsThroughYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")

	yamlContent := `
fps: 30
save_dir: /tmp/out
duration_s: 10
pins:
  top_camera_pins: [2]
cameras:
  - name: top0
    vendor: emulated
    role: top
    exposure_us: 500
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, "top0", cfg.Cameras[0].Name)
	assert.Equal(t, 30*86400, cfg.Cameras[0].Writer.MaxVideoFrames)
	assert.Equal(t, 60, cfg.Cameras[0].Writer.QueueCapacity)
}

func TestSnapshotWritesReadableYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.yaml")
	cfg := validConfig()

	require.NoError(t, Snapshot(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "top0")
}

func TestSchedulerInputProjectsPinsAndTiming(t *testing.T) {
	cfg := validConfig()
	in := cfg.SchedulerInput()
	assert.Equal(t, []uint16{2}, in.Pins.TopCameraPins)
	assert.EqualValues(t, 500, in.Timing.TopLightDurUS)
}
