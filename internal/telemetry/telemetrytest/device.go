// Package telemetrytest provides an in-memory handset for exercising orientation sources
// and the controller without real platform services.
package telemetrytest

import (
	"context"
	"sync"

	"lookaround/internal/orient"
	"lookaround/internal/telemetry"
)

// Device fakes every platform service. Zero value grants nothing; use NewDevice for a
// handset that grants every permission.
type Device struct {
	mu           sync.Mutex
	grants       map[telemetry.Capability]telemetry.PermissionState
	queryErr     error
	gate         chan struct{}
	consent      telemetry.PermissionState
	consentErr   error
	startErr     error
	screenAngle  float64
	screenKind   string
	starts       int
	stops        int
	running      bool
	lastOpts     telemetry.FusedOptions
	queries      int
	consentAsked int

	readings    telemetry.Listeners[orient.FusedSample]
	errs        telemetry.Listeners[error]
	orientation telemetry.Listeners[orient.DeviceAngles]
	rotations   telemetry.Listeners[struct{}]
}

func NewDevice() *Device {
	return &Device{
		grants: map[telemetry.Capability]telemetry.PermissionState{
			telemetry.CapabilityAccelerometer: telemetry.PermissionGranted,
			telemetry.CapabilityGyroscope:     telemetry.PermissionGranted,
		},
		consent:    telemetry.PermissionGranted,
		screenKind: "portrait-primary",
	}
}

// Platform exposes the device, optionally without a fused sensor or with a consent prompt.
func (d *Device) Platform(withFused, withConsent bool) telemetry.Platform {
	p := telemetry.Platform{
		Permissions: d,
		Orientation: d,
		Display:     d,
	}
	if withFused {
		p.Fused = d
	}
	if withConsent {
		p.Consent = d
	}
	return p
}

func (d *Device) SetGrant(c telemetry.Capability, st telemetry.PermissionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.grants == nil {
		d.grants = map[telemetry.Capability]telemetry.PermissionState{}
	}
	d.grants[c] = st
}

func (d *Device) SetQueryErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queryErr = err
}

// HoldPermissions makes every permission answer wait for ReleasePermissions. The wait
// ignores the caller's context, like a platform callback that arrives late.
func (d *Device) HoldPermissions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

func (d *Device) ReleasePermissions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

func (d *Device) SetConsent(st telemetry.PermissionState, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consent = st
	d.consentErr = err
}

func (d *Device) SetStartErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErr = err
}

func (d *Device) waitGate() {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (d *Device) Query(_ context.Context, c telemetry.Capability) (telemetry.PermissionState, error) {
	d.waitGate()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	if d.queryErr != nil {
		return telemetry.PermissionPrompt, d.queryErr
	}
	return d.grants[c], nil
}

func (d *Device) RequestPermission(context.Context) (telemetry.PermissionState, error) {
	d.waitGate()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consentAsked++
	return d.consent, d.consentErr
}

func (d *Device) Start(opts telemetry.FusedOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.starts++
	d.running = true
	d.lastOpts = opts
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.running = false
	return nil
}

func (d *Device) OnReading(fn func(orient.FusedSample)) func() { return d.readings.Add(fn) }

func (d *Device) OnError(fn func(error)) func() { return d.errs.Add(fn) }

func (d *Device) OnDeviceOrientation(fn func(orient.DeviceAngles)) func() {
	return d.orientation.Add(fn)
}

func (d *Device) Angle() (float64, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screenAngle, d.screenKind
}

func (d *Device) OnChange(fn func()) func() {
	return d.rotations.Add(func(struct{}) { fn() })
}

// EmitReading pushes a fused reading to every reading listener.
func (d *Device) EmitReading(s orient.FusedSample) { d.readings.Emit(s) }

// FailSensor reports a hardware error to every error listener.
func (d *Device) FailSensor(err error) { d.errs.Emit(err) }

// EmitOrientation pushes a raw orientation event.
func (d *Device) EmitOrientation(a orient.DeviceAngles) { d.orientation.Emit(a) }

// Rotate changes the screen angle and notifies rotation listeners.
func (d *Device) Rotate(deg float64, kind string) {
	d.mu.Lock()
	d.screenAngle, d.screenKind = deg, kind
	d.mu.Unlock()
	d.rotations.Emit(struct{}{})
}

func (d *Device) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (d *Device) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Device) LastOptions() telemetry.FusedOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOpts
}

func (d *Device) ConsentRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consentAsked
}

// Listeners reports how many callbacks are registered, per kind.
func (d *Device) Listeners() (readings, errs, orientation, rotations int) {
	return d.readings.Len(), d.errs.Len(), d.orientation.Len(), d.rotations.Len()
}

// TotalListeners is the sum of all registered callbacks.
func (d *Device) TotalListeners() int {
	a, b, c, e := d.Listeners()
	return a + b + c + e
}
