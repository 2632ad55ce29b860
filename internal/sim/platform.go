package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"lookaround/internal/orient"
	"lookaround/internal/telemetry"
)

// Motion produces handset poses over time.
type Motion interface {
	Angles(elapsed time.Duration) orient.DeviceAngles
	Fused(elapsed time.Duration) orient.FusedSample
}

// screenScript is implemented by motions that also rotate the screen.
type screenScript interface {
	ScreenAt(elapsed time.Duration) (angle float64, kind string, ok bool)
}

type PlatformConfig struct {
	Motion Motion
	RateHz float64

	// Fused exposes a fused orientation sensor. Consent makes raw events wait for an
	// explicit consent answer.
	Fused   bool
	Consent bool
	// Silent registers raw listeners but never feeds them.
	Silent bool

	Grants        map[telemetry.Capability]telemetry.PermissionState
	ConsentState  telemetry.PermissionState
	PermissionLag time.Duration

	ScreenAngle float64
	ScreenType  string

	Clock  clock.Clock
	Logger *zap.Logger
}

// Platform is a simulated handset that implements every platform service.
type Platform struct {
	cfg    PlatformConfig
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	running     bool
	opts        telemetry.FusedOptions
	screenAngle float64
	screenType  string
	started     time.Time

	readings    telemetry.Listeners[orient.FusedSample]
	errs        telemetry.Listeners[error]
	orientation telemetry.Listeners[orient.DeviceAngles]
	rotations   telemetry.Listeners[struct{}]
}

var errSensorStopped = errors.New("sim: fused sensor is not running")

func NewPlatform(cfg PlatformConfig) *Platform {
	if cfg.Motion == nil {
		cfg.Motion = Handset{}
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = 60
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ScreenType == "" {
		cfg.ScreenType = "portrait-primary"
	}
	return &Platform{
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      cfg.Logger.Named("sim"),
		screenAngle: cfg.ScreenAngle,
		screenType:  cfg.ScreenType,
		started:     cfg.Clock.Now(),
	}
}

// Telemetry exposes the platform services the controller consumes.
func (p *Platform) Telemetry() telemetry.Platform {
	tp := telemetry.Platform{
		Permissions: p,
		Orientation: p,
		Display:     p,
	}
	if p.cfg.Fused {
		tp.Fused = p
	}
	if p.cfg.Consent {
		tp.Consent = p
	}
	return tp
}

func (p *Platform) wait(ctx context.Context) error {
	if p.cfg.PermissionLag <= 0 {
		return nil
	}
	select {
	case <-p.clock.After(p.cfg.PermissionLag):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Platform) Query(ctx context.Context, c telemetry.Capability) (telemetry.PermissionState, error) {
	if err := p.wait(ctx); err != nil {
		return telemetry.PermissionPrompt, err
	}
	st, ok := p.cfg.Grants[c]
	if !ok {
		return telemetry.PermissionPrompt, nil
	}
	return st, nil
}

func (p *Platform) RequestPermission(ctx context.Context) (telemetry.PermissionState, error) {
	if err := p.wait(ctx); err != nil {
		return telemetry.PermissionPrompt, err
	}
	return p.cfg.ConsentState, nil
}

func (p *Platform) Start(opts telemetry.FusedOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.opts = opts
	p.logger.Debug("fused sensor started", zap.Float64("frequency_hz", opts.FrequencyHz))
	return nil
}

func (p *Platform) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errSensorStopped
	}
	p.running = false
	p.logger.Debug("fused sensor stopped")
	return nil
}

func (p *Platform) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Platform) OnReading(fn func(orient.FusedSample)) func() { return p.readings.Add(fn) }

func (p *Platform) OnError(fn func(error)) func() { return p.errs.Add(fn) }

func (p *Platform) OnDeviceOrientation(fn func(orient.DeviceAngles)) func() {
	return p.orientation.Add(fn)
}

func (p *Platform) Angle() (float64, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenAngle, p.screenType
}

func (p *Platform) OnChange(fn func()) func() {
	return p.rotations.Add(func(struct{}) { fn() })
}

// Rotate turns the simulated screen and notifies rotation listeners.
func (p *Platform) Rotate(deg float64, kind string) {
	p.mu.Lock()
	changed := p.screenAngle != deg || p.screenType != kind
	p.screenAngle, p.screenType = deg, kind
	p.mu.Unlock()
	if changed {
		p.logger.Debug("screen rotated", zap.Float64("angle", deg), zap.String("type", kind))
		p.rotations.Emit(struct{}{})
	}
}

// Fail reports a hardware error on the fused sensor.
func (p *Platform) Fail(err error) {
	p.errs.Emit(err)
}

// Tick emits one round of events for the pose at now.
func (p *Platform) Tick(now time.Time) {
	elapsed := now.Sub(p.started)
	if s, ok := p.cfg.Motion.(screenScript); ok {
		if angle, kind, ok := s.ScreenAt(elapsed); ok {
			p.Rotate(angle, kind)
		}
	}
	if !p.cfg.Silent {
		p.orientation.Emit(p.cfg.Motion.Angles(elapsed))
	}
	if p.Running() {
		p.readings.Emit(p.cfg.Motion.Fused(elapsed))
	}
}

// Run emits events at RateHz until ctx is done.
func (p *Platform) Run(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / p.cfg.RateHz)
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	p.logger.Info("simulated handset running",
		zap.Float64("rate_hz", p.cfg.RateHz),
		zap.Bool("fused", p.cfg.Fused),
		zap.Bool("silent", p.cfg.Silent))
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.Tick(now)
		}
	}
}

// Close stops the fused sensor if it was left running.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}
