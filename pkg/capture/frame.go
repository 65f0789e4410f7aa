// Package capture runs one worker per camera: pulling frames from a
// CameraDriver, tagging them with sequence numbers and device
// timestamps, and pushing them onto a bounded queue for the encoder.
package capture

import "github.com/openbehavior/trigcam/pkg/camera"

// Frame is a grabbed image as produced by a camera.Driver. Re-exported
// here under the capture package's own name so callers working with a
// Worker's Frames() channel don't need to import pkg/camera directly.
type Frame = camera.Frame
