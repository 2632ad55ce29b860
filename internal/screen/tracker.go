package screen

import (
	"math"
	"strings"
	"sync"
)

// Display is the platform's view of the screen: the current rotation relative to the
// natural orientation, plus a notification when it changes.
type Display interface {
	// Angle returns the rotation in degrees and the orientation type
	// (for example "portrait-primary" or "landscape-secondary").
	Angle() (degrees float64, orientationType string)
	OnChange(fn func()) (remove func())
}

// Tracker holds the last known screen angle. Reads are cheap and safe from any goroutine.
type Tracker struct {
	mu      sync.RWMutex
	display Display
	angle   float64
}

func NewTracker(display Display) *Tracker {
	return &Tracker{display: display}
}

// Refresh re-reads the angle from the display.
func (t *Tracker) Refresh() {
	if t == nil || t.display == nil {
		return
	}
	deg, kind := t.display.Angle()
	deg = normalize(deg, kind)
	t.mu.Lock()
	t.angle = deg
	t.mu.Unlock()
}

// Watch refreshes now and on every rotation change until remove is called.
func (t *Tracker) Watch() (remove func()) {
	if t == nil || t.display == nil {
		return func() {}
	}
	t.Refresh()
	return t.display.OnChange(t.Refresh)
}

// Angle returns the screen angle in degrees.
func (t *Tracker) Angle() float64 {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.angle
}

// Radians returns the screen angle in radians.
func (t *Tracker) Radians() float64 {
	return t.Angle() * math.Pi / 180
}

func normalize(deg float64, kind string) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		deg = 0
	}
	// Some browsers report 0 while already in landscape.
	if deg == 0 && strings.Contains(strings.ToLower(kind), "landscape") {
		return 90
	}
	return deg
}
