package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"lookaround/internal/orient"
)

// GestureScript is a scripted handset motion.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 8s
//	keyframes:
//	  - t: 0s
//	    alpha_deg: 0
//	    beta_deg: 90
//	    gamma_deg: 0
//	  - t: 4s
//	    alpha_deg: 90
//	    beta_deg: 90
//	    gamma_deg: 0
//	    heading_deg: 270
//	    screen_angle: 90
//	    screen_type: landscape-primary
//
// Keyframes must use non-decreasing t values. heading_deg is optional and only
// interpolated between keyframes that both carry one. screen_angle is a step: it holds
// from its keyframe until the next keyframe that sets one.
type GestureScript struct {
	Version   int               `yaml:"version"`
	Duration  time.Duration     `yaml:"duration"`
	Keyframes []GestureKeyframe `yaml:"keyframes"`
}

type GestureKeyframe struct {
	T           time.Duration `yaml:"t"`
	AlphaDeg    float64       `yaml:"alpha_deg"`
	BetaDeg     float64       `yaml:"beta_deg"`
	GammaDeg    float64       `yaml:"gamma_deg"`
	HeadingDeg  *float64      `yaml:"heading_deg"`
	ScreenAngle *float64      `yaml:"screen_angle"`
	ScreenType  string        `yaml:"screen_type"`
}

// Gesture is the validated, runtime representation of a GestureScript.
type Gesture struct {
	script   GestureScript
	duration time.Duration
	loop     bool
}

// LoadGestureScript reads and unmarshals a YAML gesture script from path.
func LoadGestureScript(path string) (GestureScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return GestureScript{}, err
	}
	return ParseGestureScriptYAML(b)
}

func ParseGestureScriptYAML(b []byte) (GestureScript, error) {
	var s GestureScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return GestureScript{}, err
	}
	return s, nil
}

// NewGesture validates script. When loop is true, time wraps around Duration();
// otherwise it is clamped to the last keyframe.
func NewGesture(script GestureScript, loop bool) (*Gesture, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported gesture version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}
	return &Gesture{script: script, duration: dur, loop: loop}, nil
}

func (g *Gesture) Duration() time.Duration {
	if g == nil {
		return 0
	}
	return g.duration
}

func (g *Gesture) clamp(elapsed time.Duration) time.Duration {
	if elapsed < 0 {
		elapsed = 0
	}
	if g.loop {
		return elapsed % g.duration
	}
	if elapsed > g.duration {
		return g.duration
	}
	return elapsed
}

// Angles interpolates the orientation event at elapsed.
func (g *Gesture) Angles(elapsed time.Duration) orient.DeviceAngles {
	if g == nil {
		return orient.DeviceAngles{}
	}
	kf0, kf1, t := selectSegment(g.script.Keyframes, g.clamp(elapsed))

	alpha := lerpAngleDeg(kf0.AlphaDeg, kf1.AlphaDeg, t)
	beta := lerp(kf0.BetaDeg, kf1.BetaDeg, t)
	gamma := lerp(kf0.GammaDeg, kf1.GammaDeg, t)
	out := orient.DeviceAngles{Alpha: &alpha, Beta: &beta, Gamma: &gamma}

	switch {
	case kf0.HeadingDeg != nil && kf1.HeadingDeg != nil:
		h := lerpAngleDeg(*kf0.HeadingDeg, *kf1.HeadingDeg, t)
		out.CompassHeading = &h
	case kf0.HeadingDeg != nil:
		h := *kf0.HeadingDeg
		out.CompassHeading = &h
	}
	return out
}

func (g *Gesture) Fused(elapsed time.Duration) orient.FusedSample {
	return orient.ToArray(DeviceQuaternion(g.Angles(elapsed)))
}

// ScreenAt reports the screen rotation in force at elapsed, if any keyframe up to that
// point set one.
func (g *Gesture) ScreenAt(elapsed time.Duration) (angle float64, kind string, ok bool) {
	if g == nil {
		return 0, "", false
	}
	elapsed = g.clamp(elapsed)
	for _, kf := range g.script.Keyframes {
		if kf.T > elapsed {
			break
		}
		if kf.ScreenAngle != nil {
			angle, kind, ok = *kf.ScreenAngle, kf.ScreenType, true
		}
	}
	return angle, kind, ok
}

func selectSegment(kfs []GestureKeyframe, t time.Duration) (GestureKeyframe, GestureKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpAngleDeg(a0, a1, t float64) float64 {
	// Shortest-path interpolation across wraparound, result in [0, 360).
	norm := func(x float64) float64 {
		for x < 0 {
			x += 360
		}
		for x >= 360 {
			x -= 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
