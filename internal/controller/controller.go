// Package controller owns the orientation session: it negotiates permissions, picks the
// fused sensor or falls back to raw orientation events, and writes the resulting rotation
// onto its target.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/num/quat"

	"lookaround/internal/orient"
	"lookaround/internal/telemetry"
)

var ErrAlreadyConnected = errors.New("controller: already connected")

// DefaultWatchdogGrace is how long the raw path may stay silent after activation.
const DefaultWatchdogGrace = 2 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateActiveFused
	StateActiveRaw
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActiveFused:
		return "active_fused"
	case StateActiveRaw:
		return "active_raw"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target is the object whose rotation the controller drives.
type Target interface {
	Quaternion() quat.Number
	SetQuaternion(q quat.Number)
}

type Config struct {
	AlphaOffset   float64 // radians
	WatchdogGrace time.Duration
	// RestoreReferenceOnDisconnect writes the rotation captured at Connect back onto
	// the target when the session ends.
	RestoreReferenceOnDisconnect bool
	StartDisabled                bool
	Fused                        telemetry.FusedOptions

	Logger  *zap.Logger
	Clock   clock.Clock
	OnError func(error)
}

// Stats are counters for the current process, reset only by a new Controller.
type Stats struct {
	Session        string    `json:"session,omitempty"`
	Updates        uint64    `json:"updates"`
	FusedSamples   uint64    `json:"fused_samples"`
	CoercedSamples uint64    `json:"coerced_samples"`
	Errors         uint64    `json:"errors"`
	LastWrite      time.Time `json:"last_write"`
	LastError      string    `json:"last_error,omitempty"`
}

type Controller struct {
	target Target
	fused  *telemetry.FusedSource
	raw    *telemetry.RawSource
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	mu          sync.Mutex
	state       State
	enabled     bool
	alphaOffset float64
	reference   quat.Number
	haveRef     bool
	session     uint64
	cancel      context.CancelFunc
	handle      telemetry.Handle
	watchdog    *clock.Timer
	stats       Stats

	// negotiations tracks in-flight Connect goroutines.
	negotiations sync.WaitGroup
}

func New(target Target, platform telemetry.Platform, cfg Config) (*Controller, error) {
	if target == nil {
		return nil, fmt.Errorf("controller: target is nil")
	}
	if cfg.WatchdogGrace <= 0 {
		cfg.WatchdogGrace = DefaultWatchdogGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("controller")

	c := &Controller{
		target:      target,
		raw:         telemetry.NewRawSource(platform.Orientation, platform.Consent, platform.Display, logger),
		cfg:         cfg,
		logger:      logger,
		clock:       cfg.Clock,
		enabled:     !cfg.StartDisabled,
		alphaOffset: cfg.AlphaOffset,
		reference:   orient.Identity,
	}
	if platform.HasFusedSensor() {
		c.fused = telemetry.NewFusedSource(platform.Permissions, platform.Fused, cfg.Fused, logger)
	}
	return c, nil
}

// Connect starts a session. It returns once the session is registered; permission
// negotiation and source start continue in the background.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyConnected, st)
	}
	c.session++
	session := c.session
	c.stats.Session = uuid.NewString()
	c.reference = c.target.Quaternion()
	c.haveRef = true
	c.state = StateConnecting
	nctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	logger := c.logger.With(zap.String("session", c.stats.Session))
	c.negotiations.Add(1)
	c.mu.Unlock()

	logger.Info("connecting", zap.Bool("fused_available", c.fused != nil))
	go c.negotiate(nctx, session, logger)
	return nil
}

func (c *Controller) negotiate(ctx context.Context, session uint64, logger *zap.Logger) {
	defer c.negotiations.Done()

	if c.fused != nil {
		h, err := c.fused.Start(ctx,
			func(s orient.FusedSample) { c.onReading(session, s) },
			func(err error) { c.fail(session, fmt.Errorf("controller: fused sensor: %w", err)) },
		)
		if err == nil {
			if c.activate(session, h, StateActiveFused) {
				logger.Info("orientation source active", zap.Stringer("source", telemetry.KindFused))
			}
			return
		}
		if ctx.Err() != nil {
			c.abandon(ctx, session)
			return
		}
		logger.Info("fused sensor unusable, falling back to orientation events", zap.Error(err))
	}

	h, err := c.raw.Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(ctx, session)
			return
		}
		c.fail(session, fmt.Errorf("controller: %w: %w", telemetry.ErrNoFallbackAvailable, err))
		return
	}
	if c.activate(session, h, StateActiveRaw) {
		logger.Info("orientation source active", zap.Stringer("source", telemetry.KindRaw))
	}
}

// abandon moves a live session whose connect context ended to Errored. Sessions already
// ended by Disconnect are ignored.
func (c *Controller) abandon(ctx context.Context, session uint64) {
	c.fail(session, fmt.Errorf("controller: connect: %w", context.Cause(ctx)))
}

// activate installs h as the session's source. A superseded session gets its handle
// stopped instead.
func (c *Controller) activate(session uint64, h telemetry.Handle, st State) bool {
	c.mu.Lock()
	if c.session != session || c.state != StateConnecting {
		c.mu.Unlock()
		if err := h.Stop(); err != nil {
			c.logger.Warn("stop superseded source", zap.Error(err))
		}
		return false
	}
	c.handle = h
	c.state = st
	if st == StateActiveRaw {
		c.watchdog = c.clock.AfterFunc(c.cfg.WatchdogGrace, func() { c.checkTelemetry(session) })
	}
	c.mu.Unlock()
	return true
}

func (c *Controller) checkTelemetry(session uint64) {
	c.mu.Lock()
	if c.session != session || c.state != StateActiveRaw {
		c.mu.Unlock()
		return
	}
	if c.raw.Usable() {
		c.mu.Unlock()
		return
	}
	err := fmt.Errorf("controller: %w within %s", telemetry.ErrNoTelemetryReceived, c.cfg.WatchdogGrace)
	h := c.enterErroredLocked(err)
	c.mu.Unlock()
	c.teardown(h)
	c.signal(err)
}

// fail moves a live session to Errored and signals err once.
func (c *Controller) fail(session uint64, err error) {
	c.mu.Lock()
	if c.session != session || c.state == StateDisconnected || c.state == StateErrored {
		c.mu.Unlock()
		return
	}
	h := c.enterErroredLocked(err)
	c.mu.Unlock()
	c.teardown(h)
	c.signal(err)
}

func (c *Controller) enterErroredLocked(err error) telemetry.Handle {
	c.state = StateErrored
	c.stats.Errors++
	c.stats.LastError = err.Error()
	c.stopWatchdogLocked()
	h := c.handle
	c.handle = nil
	return h
}

func (c *Controller) teardown(h telemetry.Handle) {
	if h == nil {
		return
	}
	if err := h.Stop(); err != nil {
		c.logger.Warn("stop orientation source", zap.Error(err))
	}
}

func (c *Controller) signal(err error) {
	c.logger.Warn("orientation tracking stopped", zap.Error(err))
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *Controller) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Controller) onReading(session uint64, s orient.FusedSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session || c.state != StateActiveFused {
		return
	}
	c.stats.FusedSamples++
	if !c.enabled {
		return
	}
	clean, ok := orient.SanitizeSample(s)
	if !ok {
		c.stats.CoercedSamples++
		c.logger.Debug("coerced fused sample", zap.Float64s("sample", s[:]))
	}
	c.writeLocked(orient.ComputeFromSensor(c.reference, clean))
}

// Update recomputes the rotation from the latest raw event. It is meant to run once per
// rendered frame and does nothing unless the raw source is active and has data.
func (c *Controller) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.state != StateActiveRaw {
		return
	}
	angles, ok := c.raw.Latest()
	if !ok {
		return
	}
	c.stats.Updates++
	c.writeLocked(orient.ComputeFromAngles(angles, c.alphaOffset, c.raw.ScreenRadians()))
}

func (c *Controller) writeLocked(q quat.Number) {
	c.target.SetQuaternion(q)
	c.stats.LastWrite = c.clock.Now()
}

// Disconnect ends the session from any state, including mid-negotiation. Calling it
// again is a no-op.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	c.session++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stopWatchdogLocked()
	h := c.handle
	c.handle = nil
	prev := c.state
	c.state = StateDisconnected
	ref, restore := c.reference, c.haveRef && c.cfg.RestoreReferenceOnDisconnect
	c.reference = orient.Identity
	c.haveRef = false
	c.mu.Unlock()

	var err error
	if h != nil {
		err = h.Stop()
	}
	if restore {
		c.target.SetQuaternion(ref)
	}
	if prev != StateDisconnected {
		c.logger.Info("disconnected", zap.Stringer("from", prev))
	}
	return err
}

// Dispose releases everything the controller holds.
func (c *Controller) Dispose() error {
	return c.Disconnect()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Source reports which telemetry source is driving the target.
func (c *Controller) Source() telemetry.Kind {
	switch c.State() {
	case StateActiveFused:
		return telemetry.KindFused
	case StateActiveRaw:
		return telemetry.KindRaw
	default:
		return telemetry.KindNone
	}
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled pauses or resumes writes without touching listeners.
func (c *Controller) SetEnabled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = v
}

func (c *Controller) AlphaOffset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alphaOffset
}

func (c *Controller) SetAlphaOffset(rad float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alphaOffset = rad
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// RawReceived is the number of raw orientation events seen so far.
func (c *Controller) RawReceived() uint64 {
	return c.raw.Received()
}
