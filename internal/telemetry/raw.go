package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"lookaround/internal/orient"
	"lookaround/internal/screen"
)

// RawSource listens for device-orientation and screen-rotation events and keeps the
// latest of each. It never computes a rotation itself; the owner samples it once per
// frame because events can arrive much faster than frames.
type RawSource struct {
	events  OrientationEvents
	consent MotionConsent
	tracker *screen.Tracker
	logger  *zap.Logger

	mu       sync.RWMutex
	latest   orient.DeviceAngles
	have     bool
	usable   bool
	count    uint64
	lastSeen time.Time
}

func NewRawSource(events OrientationEvents, consent MotionConsent, display screen.Display, logger *zap.Logger) *RawSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RawSource{
		events:  events,
		consent: consent,
		tracker: screen.NewTracker(display),
		logger:  logger.Named("raw"),
	}
}

// Start asks for motion consent when the platform wants it and then registers both
// listeners. On denial nothing is registered.
func (s *RawSource) Start(ctx context.Context) (Handle, error) {
	if s == nil || s.events == nil {
		return nil, fmt.Errorf("telemetry: no orientation events: %w", ErrNoFallbackAvailable)
	}
	s.reset()
	s.tracker.Refresh()

	if s.consent != nil {
		st, err := s.consent.RequestPermission(ctx)
		if err != nil {
			return nil, fmt.Errorf("telemetry: motion consent: %w", err)
		}
		if st != PermissionGranted {
			s.logger.Info("motion consent not granted", zap.Stringer("state", st))
			return nil, fmt.Errorf("telemetry: motion consent %w", ErrPermissionDenied)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &rawHandle{}
	h.removeScreen = s.tracker.Watch()
	h.removeOrientation = s.events.OnDeviceOrientation(s.set)
	return h, nil
}

func (s *RawSource) set(a orient.DeviceAngles) {
	s.mu.Lock()
	s.latest = a
	s.have = true
	if hasAngle(a) {
		s.usable = true
	}
	s.count++
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *RawSource) reset() {
	s.mu.Lock()
	s.latest = orient.DeviceAngles{}
	s.have = false
	s.usable = false
	s.mu.Unlock()
}

// Latest returns the most recent event, or false when none arrived since Start.
func (s *RawSource) Latest() (orient.DeviceAngles, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.have
}

// Usable reports whether any event since Start carried a finite angle. Hardware
// without motion sensors can fire events with every angle unset.
func (s *RawSource) Usable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usable
}

func hasAngle(a orient.DeviceAngles) bool {
	for _, v := range []*float64{a.Alpha, a.Beta, a.Gamma} {
		if v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
			return true
		}
	}
	return false
}

// Received is the total number of events seen by this source.
func (s *RawSource) Received() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// LastSeen is the wall time of the most recent event.
func (s *RawSource) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// ScreenAngle is the current screen rotation in degrees.
func (s *RawSource) ScreenAngle() float64 {
	return s.tracker.Angle()
}

// ScreenRadians is ScreenAngle in radians.
func (s *RawSource) ScreenRadians() float64 {
	return s.tracker.Radians()
}

type rawHandle struct {
	removeScreen      func()
	removeOrientation func()
	once              sync.Once
}

func (h *rawHandle) Stop() error {
	h.once.Do(func() {
		h.removeOrientation()
		h.removeScreen()
	})
	return nil
}
