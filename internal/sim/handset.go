package sim

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"lookaround/internal/orient"
)

// Handset is a deterministic hand-held motion: a slow yaw sweep either side of north with
// pitch and roll sinusoids on top, the phone held upright.
type Handset struct {
	Period      time.Duration
	YawSweepDeg float64
	PitchAmpDeg float64
	RollAmpDeg  float64
}

func (h Handset) withDefaults() Handset {
	if h.Period <= 0 {
		h.Period = 20 * time.Second
	}
	if h.YawSweepDeg == 0 {
		h.YawSweepDeg = 60
	}
	if h.PitchAmpDeg == 0 {
		h.PitchAmpDeg = 20
	}
	if h.RollAmpDeg == 0 {
		h.RollAmpDeg = 10
	}
	return h
}

// Angles returns the orientation event at elapsed.
//
// Yaw follows cos(w) while pitch runs at twice the rate, tracing a figure-eight on the
// view sphere:
//
//	alpha = sweep*cos(w)       (wrapped to [0, 360))
//	beta  = 90 + pitch*sin(2w)
//	gamma = roll*sin(w)
func (h Handset) Angles(elapsed time.Duration) orient.DeviceAngles {
	h = h.withDefaults()
	if elapsed < 0 {
		elapsed = 0
	}
	phase := float64(elapsed%h.Period) / float64(h.Period)
	w := 2 * math.Pi * phase

	alpha := math.Mod(h.YawSweepDeg*math.Cos(w)+360, 360)
	beta := 90 + h.PitchAmpDeg*math.Sin(2*w)
	gamma := h.RollAmpDeg * math.Sin(w)
	return orient.DeviceAngles{Alpha: &alpha, Beta: &beta, Gamma: &gamma}
}

// Fused returns the fused-sensor reading for the same pose as Angles.
func (h Handset) Fused(elapsed time.Duration) orient.FusedSample {
	return orient.ToArray(DeviceQuaternion(h.Angles(elapsed)))
}

// DeviceQuaternion is the device frame's rotation for a set of intrinsic Z-X'-Y''
// orientation angles. Missing angles count as zero.
func DeviceQuaternion(a orient.DeviceAngles) quat.Number {
	deg := func(p *float64) float64 {
		if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
			return 0
		}
		return *p * math.Pi / 180
	}
	q := quat.Mul(orient.AxisAngle(orient.ZAxis, deg(a.Alpha)), orient.AxisAngle(orient.XAxis, deg(a.Beta)))
	return quat.Mul(q, orient.AxisAngle(orient.YAxis, deg(a.Gamma)))
}
