package encode

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// metadataWriter mirrors BaseWriter.initialize_metadata/run's CSV
// schema exactly: one row per frame, four columns, no more.
type metadataWriter struct {
	file *os.File
	csv  *csv.Writer
}

var metadataHeader = []string{"frame_id", "frame_timestamp", "frame_image_uid", "queue_size"}

func newMetadataWriter(path string) (*metadataWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("encode: create metadata file %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(metadataHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("encode: write metadata header: %w", err)
	}
	w.Flush()
	return &metadataWriter{file: f, csv: w}, nil
}

// WriteRow appends one frame's metadata. frameImageUID is the host
// wall-clock moment of enqueue, formatted as fractional seconds to
// match the source's str(round(time.time(), 5)).
func (m *metadataWriter) WriteRow(frameID uint64, deviceTS uint64, enqueuedAt time.Time, queueSize int) error {
	row := []string{
		strconv.FormatUint(frameID, 10),
		strconv.FormatUint(deviceTS, 10),
		formatFrameImageUID(enqueuedAt),
		strconv.Itoa(queueSize),
	}
	if err := m.csv.Write(row); err != nil {
		return fmt.Errorf("encode: write metadata row: %w", err)
	}
	m.csv.Flush()
	return m.csv.Error()
}

func formatFrameImageUID(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 5, 64)
}

func (m *metadataWriter) Close() error {
	m.csv.Flush()
	return m.file.Close()
}
