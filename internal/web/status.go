package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"lookaround/internal/controller"
)

// Status holds process-level facts for /api/status. The render loop updates it; HTTP
// handlers read it.
type Status struct {
	startUnixNano  int64
	framesRendered uint64
	lastTickNano   int64
	mode           atomic.Value // string
	interval       atomic.Value // string
	platformInfo   atomic.Value // map[string]any
	lastError      atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.interval.Store("")
	s.platformInfo.Store(map[string]any{})
	s.lastError.Store("")
	return s
}

func (s *Status) SetStatic(mode string, interval string, platformInfo map[string]any) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if interval != "" {
		s.interval.Store(interval)
	}
	if platformInfo != nil {
		s.platformInfo.Store(platformInfo)
	}
}

// MarkTick records one render-loop iteration.
func (s *Status) MarkTick(nowUTC time.Time, rendered bool) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastTickNano, nowUTC.UnixNano())
	if rendered {
		atomic.AddUint64(&s.framesRendered, 1)
	}
}

// SetError records the latest controller error signal.
func (s *Status) SetError(err error) {
	if err == nil {
		s.lastError.Store("")
		return
	}
	s.lastError.Store(err.Error())
}

type ControllerStatus struct {
	State          string           `json:"state"`
	Source         string           `json:"source"`
	Enabled        bool             `json:"enabled"`
	AlphaOffsetRad float64          `json:"alpha_offset_rad"`
	RawReceived    uint64           `json:"raw_received"`
	Stats          controller.Stats `json:"stats"`
}

type StatusSnapshot struct {
	Service        string            `json:"service"`
	NowUTC         string            `json:"now_utc"`
	UptimeSec      int64             `json:"uptime_sec"`
	GoVersion      string            `json:"go_version"`
	Version        string            `json:"version,omitempty"`
	Mode           string            `json:"mode"`
	Interval       string            `json:"interval"`
	FramesRendered uint64            `json:"frames_rendered"`
	LastTickUTC    string            `json:"last_tick_utc,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Platform       map[string]any    `json:"platform"`
	Controller     *ControllerStatus `json:"controller,omitempty"`
	Rotation       *RotationSnapshot `json:"rotation,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	lastTick := atomic.LoadInt64(&s.lastTickNano)

	snap := StatusSnapshot{
		Service:        "lookaround",
		NowUTC:         nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:      int64(nowUTC.Sub(start).Seconds()),
		GoVersion:      runtime.Version(),
		Mode:           s.mode.Load().(string),
		Interval:       s.interval.Load().(string),
		FramesRendered: atomic.LoadUint64(&s.framesRendered),
		LastError:      s.lastError.Load().(string),
		Platform:       s.platformInfo.Load().(map[string]any),
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		snap.Version = bi.Main.Version
	}
	if lastTick != 0 {
		snap.LastTickUTC = time.Unix(0, lastTick).UTC().Format(time.RFC3339Nano)
	}
	return snap
}
