// Package telemetry owns the two orientation sources a handset can offer: a fused
// orientation sensor and raw device-orientation events. Platform services (permissions,
// hardware streams, event dispatch) are reached only through the interfaces below.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"lookaround/internal/orient"
	"lookaround/internal/screen"
)

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrNoFallbackAvailable = errors.New("no usable orientation source")
	ErrNoTelemetryReceived = errors.New("no orientation telemetry received")
	ErrSensorUnavailable   = errors.New("fused orientation sensor unavailable")
)

type Kind int

const (
	KindNone Kind = iota
	KindFused
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindFused:
		return "fused"
	case KindRaw:
		return "raw"
	default:
		return "none"
	}
}

// Capability names a sensor permission.
type Capability string

const (
	CapabilityAccelerometer Capability = "accelerometer"
	CapabilityGyroscope     Capability = "gyroscope"
)

type PermissionState int

const (
	PermissionPrompt PermissionState = iota
	PermissionGranted
	PermissionDenied
)

func (p PermissionState) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "prompt"
	}
}

// ParsePermissionState accepts the platform spellings "granted", "denied" and "prompt".
func ParsePermissionState(s string) (PermissionState, error) {
	switch s {
	case "granted":
		return PermissionGranted, nil
	case "denied":
		return PermissionDenied, nil
	case "prompt", "":
		return PermissionPrompt, nil
	default:
		return PermissionPrompt, fmt.Errorf("telemetry: unknown permission state %q", s)
	}
}

// Permissions answers capability queries. Query may block until the platform answers and
// must return early when ctx is done.
type Permissions interface {
	Query(ctx context.Context, c Capability) (PermissionState, error)
}

// MotionConsent is the explicit user-consent prompt some platforms require before
// delivering device-orientation events.
type MotionConsent interface {
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// FusedOptions configure the fused hardware stream.
type FusedOptions struct {
	FrequencyHz    float64
	ReferenceFrame string // "device" or "screen"
}

// FusedSensor is a platform stream that already combines the motion sensors into one
// orientation quaternion.
type FusedSensor interface {
	Start(opts FusedOptions) error
	Stop() error
	OnReading(fn func(orient.FusedSample)) (remove func())
	OnError(fn func(error)) (remove func())
}

// OrientationEvents delivers raw device-orientation events.
type OrientationEvents interface {
	OnDeviceOrientation(fn func(orient.DeviceAngles)) (remove func())
}

// Platform bundles the services a handset offers. A nil Fused means the platform has no
// fused sensor; a nil Consent means raw events need no explicit consent.
type Platform struct {
	Permissions Permissions
	Fused       FusedSensor
	Consent     MotionConsent
	Orientation OrientationEvents
	Display     screen.Display
}

// HasFusedSensor reports whether the fused path can be attempted at all.
func (p Platform) HasFusedSensor() bool {
	return p.Fused != nil && p.Permissions != nil
}

// Handle is a started source. Stop tears down every listener and hardware stream the
// start acquired; it is safe to call more than once.
type Handle interface {
	Stop() error
}
