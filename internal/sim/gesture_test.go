package sim

import (
	"math"
	"testing"
	"time"
)

func TestGesture_ParseAndInterpolateAngleWrap(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    alpha_deg: 350
    beta_deg: 80
    gamma_deg: -10
    heading_deg: 300
  - t: 10s
    alpha_deg: 10
    beta_deg: 100
    gamma_deg: 10
    heading_deg: 320
`)

	script, err := ParseGestureScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseGestureScriptYAML: %v", err)
	}
	g, err := NewGesture(script, false)
	if err != nil {
		t.Fatalf("NewGesture: %v", err)
	}
	if g.Duration() != 10*time.Second {
		t.Fatalf("duration: got %s want %s", g.Duration(), 10*time.Second)
	}

	a := g.Angles(5 * time.Second)
	// Alpha 350->10 should interpolate via +20deg shortest path: halfway is 0.
	if *a.Alpha != 0 {
		t.Fatalf("alpha wrap interpolation: got %v want 0", *a.Alpha)
	}
	if *a.Beta != 90 {
		t.Fatalf("beta interpolation: got %v want 90", *a.Beta)
	}
	if *a.Gamma != 0 {
		t.Fatalf("gamma interpolation: got %v want 0", *a.Gamma)
	}
	if a.CompassHeading == nil || *a.CompassHeading != 310 {
		t.Fatalf("heading interpolation: got %v want 310", a.CompassHeading)
	}
}

func TestGesture_LoopAndClamp(t *testing.T) {
	script := GestureScript{
		Duration: 10 * time.Second,
		Keyframes: []GestureKeyframe{
			{T: 0, AlphaDeg: 0, BetaDeg: 0},
			{T: 10 * time.Second, AlphaDeg: 0, BetaDeg: 10},
		},
	}

	clamped, err := NewGesture(script, false)
	if err != nil {
		t.Fatalf("NewGesture: %v", err)
	}
	if got := *clamped.Angles(15 * time.Second).Beta; got != 10 {
		t.Fatalf("clamp: got %v want 10", got)
	}
	if got := *clamped.Angles(-time.Second).Beta; got != 0 {
		t.Fatalf("negative elapsed: got %v want 0", got)
	}

	looped, err := NewGesture(script, true)
	if err != nil {
		t.Fatalf("NewGesture: %v", err)
	}
	if got := *looped.Angles(15 * time.Second).Beta; got != 5 {
		t.Fatalf("loop: got %v want 5", got)
	}
}

func TestGesture_ScreenSteps(t *testing.T) {
	ninety := 90.0
	g, err := NewGesture(GestureScript{Keyframes: []GestureKeyframe{
		{T: 0},
		{T: 2 * time.Second, ScreenAngle: &ninety, ScreenType: "landscape-primary"},
		{T: 4 * time.Second},
	}}, false)
	if err != nil {
		t.Fatalf("NewGesture: %v", err)
	}
	if _, _, ok := g.ScreenAt(time.Second); ok {
		t.Fatalf("expected no screen rotation before 2s")
	}
	angle, kind, ok := g.ScreenAt(3 * time.Second)
	if !ok || angle != 90 || kind != "landscape-primary" {
		t.Fatalf("ScreenAt(3s)=%v,%q,%v want 90,landscape-primary,true", angle, kind, ok)
	}
}

func TestGesture_FusedMatchesAngles(t *testing.T) {
	g, err := NewGesture(GestureScript{Keyframes: []GestureKeyframe{
		{T: 0, AlphaDeg: 10, BetaDeg: 20, GammaDeg: 30},
		{T: time.Second, AlphaDeg: 10, BetaDeg: 20, GammaDeg: 30},
	}}, false)
	if err != nil {
		t.Fatalf("NewGesture: %v", err)
	}
	f := g.Fused(500 * time.Millisecond)
	want := DeviceQuaternion(g.Angles(500 * time.Millisecond))
	if math.Abs(f[3]-want.Real) > 1e-12 || math.Abs(f[0]-want.Imag) > 1e-12 {
		t.Fatalf("fused=%v want %v", f, want)
	}
}

func TestGesture_Validation(t *testing.T) {
	cases := []struct {
		name   string
		script GestureScript
		want   string
	}{
		{"Version", GestureScript{Version: 2, Keyframes: []GestureKeyframe{{T: time.Second}}}, "unsupported gesture version 2"},
		{"Empty", GestureScript{}, "keyframes is required"},
		{"Negative", GestureScript{Keyframes: []GestureKeyframe{{T: -time.Second}}}, "keyframes[0].t must be >= 0"},
		{"Unsorted", GestureScript{Keyframes: []GestureKeyframe{{T: 2 * time.Second}, {T: time.Second}}}, "keyframes must be sorted by t (index 1)"},
		{"NoDuration", GestureScript{Keyframes: []GestureKeyframe{{T: 0}}}, "duration is required (or deriveable from keyframes)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGesture(tc.script, false)
			if err == nil || err.Error() != tc.want {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestGesture_ShippedScript(t *testing.T) {
	script, err := LoadGestureScript("../../configs/look-around.yaml")
	if err != nil {
		t.Fatalf("LoadGestureScript: %v", err)
	}
	g, err := NewGesture(script, true)
	if err != nil {
		t.Fatalf("NewGesture: %v", err)
	}
	if g.Duration() != 14*time.Second {
		t.Fatalf("duration: got %s want 14s", g.Duration())
	}
	if angle, kind, ok := g.ScreenAt(10 * time.Second); !ok || angle != 90 || kind != "landscape-primary" {
		t.Fatalf("screen at 10s: got %v %q %v", angle, kind, ok)
	}
}
