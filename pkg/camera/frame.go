package camera

import "time"

// TimestampUnit labels the unit a driver reports its device timestamp
// in. Vendors disagree (nanoseconds for machine-vision cameras,
// microseconds for depth cameras); the unit is recorded, never
// silently normalized away.
type TimestampUnit int

const (
	Nanoseconds TimestampUnit = iota
	Microseconds
)

// Frame is one grabbed image, still owned by its capture worker until
// it is sent on the frame queue.
type Frame struct {
	Pixels        []byte
	Width         int
	Height        int
	CameraName    string
	Sequence      uint64
	DeviceTSValue uint64
	DeviceTSUnit  TimestampUnit
	HostEnqueued  time.Time
}
