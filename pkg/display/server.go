package display

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openbehavior/trigcam/pkg/rlog"
)

//go:embed web/index.html
var webFS embed.FS

// Server serves the operator preview viewer page, answers per-camera
// WebRTC offers, and reports fan-out/bridge counters over HTTP. It is
// a same-host/LAN convenience: no TURN relay, no authentication, no
// recording of the preview stream.
type Server struct {
	logger *rlog.Logger
	fanout *Fanout

	httpServer *http.Server

	mu      sync.Mutex
	bridges map[string]*Bridge
	pacers  map[string]*Pacer
}

// NewServer builds a Server bound to a Fanout. Call RegisterCamera
// once per camera with display enabled before Start.
func NewServer(fanout *Fanout, logger *rlog.Logger) *Server {
	return &Server{
		logger:  logger.With("component", "display-server"),
		fanout:  fanout,
		bridges: make(map[string]*Bridge),
		pacers:  make(map[string]*Pacer),
	}
}

// RegisterCamera wires one camera's Fanout output through a Pacer and
// into a fresh Bridge, ready to answer an offer for that camera name.
func (s *Server) RegisterCamera(ctx context.Context, name string, preview <-chan *PreviewFrame, fps float64) error {
	bridge, err := NewBridge(ctx, name, fps, s.logger)
	if err != nil {
		return err
	}

	pacer := NewPacer(ctx, fps, 4, s.logger)
	pacer.Start()

	s.mu.Lock()
	s.bridges[name] = bridge
	s.pacers[name] = pacer
	s.mu.Unlock()

	go func() {
		for frame := range preview {
			pacer.Enqueue(frame)
		}
	}()
	go func() {
		for frame := range pacer.Out() {
			if err := bridge.Submit(frame); err != nil {
				s.logger.Warn("preview frame submit failed", "camera", name, "error", err)
			}
		}
	}()

	return nil
}

// Start begins serving on addr. It returns once the listener is up or
// an immediate startup error occurs.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("display server listening", "address", addr)
		return nil
	}
}

// Stop gracefully shuts down the HTTP server and every registered
// bridge.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	bridges := make([]*Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		bridges = append(bridges, b)
	}
	pacers := make([]*Pacer, 0, len(s.pacers))
	for _, p := range s.pacers {
		pacers = append(pacers, p)
	}
	s.mu.Unlock()

	for _, p := range pacers {
		p.Stop()
	}
	for _, b := range bridges {
		if err := b.Close(); err != nil {
			s.logger.Warn("error closing preview bridge", "error", err)
		}
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page, err := webFS.ReadFile("web/index.html")
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("camera")
	if name == "" {
		http.Error(w, "camera query parameter required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	bridge := s.bridges[name]
	s.mu.Unlock()
	if bridge == nil {
		http.Error(w, fmt.Sprintf("unknown camera %q", name), http.StatusNotFound)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid offer body", http.StatusBadRequest)
		return
	}

	answer, err := bridge.Answer(r.Context(), offer)
	if err != nil {
		s.logger.Error("failed to answer preview offer", "camera", name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(answer)
}

// statusResponse is the /status payload: per-camera fan-out sampling
// counters plus bridge send/error counters.
type statusResponse struct {
	Cameras map[string]cameraStatus `json:"cameras"`
}

type cameraStatus struct {
	FramesSampled  uint64 `json:"framesSampled"`
	FramesDropped  uint64 `json:"framesDropped"`
	QueueDepth     int    `json:"queueDepth"`
	FramesSent     uint64 `json:"framesSent"`
	BridgeErrors   uint64 `json:"bridgeErrors"`
	PacerDropped   uint64 `json:"pacerDropped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fanoutStats := s.fanout.Stats()

	s.mu.Lock()
	bridges := make(map[string]*Bridge, len(s.bridges))
	for k, v := range s.bridges {
		bridges[k] = v
	}
	pacers := make(map[string]*Pacer, len(s.pacers))
	for k, v := range s.pacers {
		pacers[k] = v
	}
	s.mu.Unlock()

	resp := statusResponse{Cameras: make(map[string]cameraStatus, len(fanoutStats))}
	for name, fs := range fanoutStats {
		cs := cameraStatus{FramesSampled: fs.FramesSampled, FramesDropped: fs.FramesDropped, QueueDepth: fs.QueueDepth}
		if b, ok := bridges[name]; ok {
			cs.FramesSent, cs.BridgeErrors = b.Stats()
		}
		if p, ok := pacers[name]; ok {
			cs.PacerDropped = p.Dropped()
		}
		resp.Cameras[name] = cs
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
