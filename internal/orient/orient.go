// Package orient turns device orientation telemetry into the rotation applied to a
// camera-like object. Every function here is pure and works on values only.
package orient

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// DeviceAngles is one raw orientation event in degrees. Nil fields are unknown.
type DeviceAngles struct {
	Alpha          *float64 `json:"alpha"`
	Beta           *float64 `json:"beta"`
	Gamma          *float64 `json:"gamma"`
	CompassHeading *float64 `json:"compass_heading,omitempty"`
	Absolute       bool     `json:"absolute"`
}

// FusedSample is a fused-sensor reading in (x, y, z, w) order, sensor-native frame.
type FusedSample [4]float64

// Deg returns a pointer to v, for building DeviceAngles literals.
func Deg(v float64) *float64 {
	return &v
}

var (
	// XAxis, YAxis and ZAxis are the unit axes in the scene's right-handed frame.
	XAxis = [3]float64{1, 0, 0}
	YAxis = [3]float64{0, 1, 0}
	ZAxis = [3]float64{0, 0, 1}

	// Identity is the zero rotation.
	Identity = quat.Number{Real: 1}

	// LookBack rotates -90° about the device X axis so the camera looks out of the back
	// of the device instead of its top edge.
	LookBack = quat.Number{Real: math.Sqrt(0.5), Imag: -math.Sqrt(0.5)}

	// SensorToWorld maps the fused sensor frame onto the scene's Y-up world.
	SensorToWorld = quat.Mul(AxisAngle(XAxis, -math.Pi/2), AxisAngle(ZAxis, math.Pi/2))
)

// AxisAngle returns the rotation of angle radians about the unit vector axis.
func AxisAngle(axis [3]float64, angle float64) quat.Number {
	s, c := math.Sincos(angle / 2)
	return quat.Number{Real: c, Imag: axis[0] * s, Jmag: axis[1] * s, Kmag: axis[2] * s}
}

// FromEulerYXZ builds the intrinsic Y, X', Z'' rotation for the angles about each axis.
func FromEulerYXZ(x, y, z float64) quat.Number {
	return quat.Mul(quat.Mul(AxisAngle(YAxis, y), AxisAngle(XAxis, x)), AxisAngle(ZAxis, z))
}

// ComputeFromAngles converts a raw orientation event into the camera rotation.
//
// The device reports intrinsic Z-X'-Y'' Tait-Bryan angles (alpha, beta, gamma). In the
// scene's axis labelling that is the YXZ Euler triple (beta, alpha, -gamma). The camera
// is then turned to look out of the back of the device and the screen's own rotation is
// undone about the local Z axis.
func ComputeFromAngles(angles DeviceAngles, alphaOffsetRad, screenAngleRad float64) quat.Number {
	alphaDeg := value(angles.Alpha)
	if heading, ok := finite(angles.CompassHeading); ok {
		// Compass headings run clockwise, alpha runs counter-clockwise.
		alphaDeg = 360 - heading
	}
	alpha := radians(alphaDeg) + finiteOrZero(alphaOffsetRad)
	beta := radians(value(angles.Beta))
	gamma := radians(value(angles.Gamma))

	q := FromEulerYXZ(beta, alpha, -gamma)
	q = quat.Mul(q, LookBack)
	return quat.Mul(q, AxisAngle(ZAxis, -finiteOrZero(screenAngleRad)))
}

// ComputeFromSensor converts a fused reading into the camera rotation, composed on top of
// the reference rotation the target had when the session started.
func ComputeFromSensor(reference quat.Number, sample FusedSample) quat.Number {
	s, _ := SanitizeSample(sample)
	q := quat.Mul(reference, SensorToWorld)
	return quat.Mul(q, FromArray(s))
}

// SanitizeSample replaces non-finite components with zero and renormalises. A sample with
// no usable magnitude becomes the identity. ok is false when anything was coerced.
func SanitizeSample(sample FusedSample) (out FusedSample, ok bool) {
	ok = true
	for i, v := range sample {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			sample[i] = 0
			ok = false
		}
	}
	n := math.Sqrt(sample[0]*sample[0] + sample[1]*sample[1] + sample[2]*sample[2] + sample[3]*sample[3])
	if n < 1e-9 {
		return ToArray(Identity), false
	}
	if math.Abs(n-1) > 1e-6 {
		for i := range sample {
			sample[i] /= n
		}
		ok = false
	}
	return sample, ok
}

// ToArray flattens q into (x, y, z, w) order.
func ToArray(q quat.Number) FusedSample {
	return FusedSample{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// FromArray reads a quaternion stored in (x, y, z, w) order.
func FromArray(a FusedSample) quat.Number {
	return quat.Number{Real: a[3], Imag: a[0], Jmag: a[1], Kmag: a[2]}
}

// AlmostEqual reports whether a and b are within tol component-wise.
func AlmostEqual(a, b quat.Number, tol float64) bool {
	return math.Abs(a.Real-b.Real) <= tol &&
		math.Abs(a.Imag-b.Imag) <= tol &&
		math.Abs(a.Jmag-b.Jmag) <= tol &&
		math.Abs(a.Kmag-b.Kmag) <= tol
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func value(p *float64) float64 {
	v, _ := finite(p)
	return v
}

func finite(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	return *p, true
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
