// Package encode drains a CaptureWorker's frame queue to disk: a CSV
// metadata stream plus a pluggable video backend, rolling over to a
// new file pair once a configured frame-count ceiling is reached.
package encode

// Backend is the pluggable video sink an EncoderWorker writes into.
// Open is called lazily, on the first frame of a segment (or after a
// rollover), because frame width/height aren't known until a real
// frame arrives.
type Backend interface {
	// Open starts a new output segment at path for frames of the given
	// width/height/fps.
	Open(path string, width, height, fps int) error
	// WriteFrame submits one frame's raw pixels to the encoder.
	WriteFrame(pixels []byte) error
	// Close flushes and releases the current segment. Safe to call on
	// a Backend that was never Opened.
	Close() error
}
