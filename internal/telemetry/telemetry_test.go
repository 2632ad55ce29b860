package telemetry_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lookaround/internal/orient"
	"lookaround/internal/telemetry"
	"lookaround/internal/telemetry/telemetrytest"
)

func newFused(t *testing.T, d *telemetrytest.Device) *telemetry.FusedSource {
	t.Helper()
	return telemetry.NewFusedSource(d, d, telemetry.FusedOptions{}, zaptest.NewLogger(t))
}

func newRaw(t *testing.T, d *telemetrytest.Device, withConsent bool) *telemetry.RawSource {
	t.Helper()
	p := d.Platform(false, withConsent)
	return telemetry.NewRawSource(p.Orientation, p.Consent, p.Display, zaptest.NewLogger(t))
}

func TestFusedSource_StartStop(t *testing.T) {
	d := telemetrytest.NewDevice()
	src := newFused(t, d)

	var got []orient.FusedSample
	h, err := src.Start(context.Background(), func(s orient.FusedSample) { got = append(got, s) }, func(error) {})
	require.NoError(t, err)
	require.Equal(t, 1, d.Starts())
	require.True(t, d.Running())
	require.Equal(t, telemetry.FusedOptions{FrequencyHz: 60, ReferenceFrame: "screen"}, d.LastOptions())

	readings, errs, _, _ := d.Listeners()
	require.Equal(t, 1, readings)
	require.Equal(t, 1, errs)

	d.EmitReading(orient.FusedSample{0, 0, 0, 1})
	require.Equal(t, []orient.FusedSample{{0, 0, 0, 1}}, got)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	require.Equal(t, 1, d.Stops())
	require.False(t, d.Running())
	require.Zero(t, d.TotalListeners())
}

func TestFusedSource_PermissionDenied(t *testing.T) {
	for _, c := range []telemetry.Capability{telemetry.CapabilityAccelerometer, telemetry.CapabilityGyroscope} {
		t.Run(string(c), func(t *testing.T) {
			d := telemetrytest.NewDevice()
			d.SetGrant(c, telemetry.PermissionDenied)

			h, err := newFused(t, d).Start(context.Background(), func(orient.FusedSample) {}, nil)
			require.Nil(t, h)
			require.ErrorIs(t, err, telemetry.ErrPermissionDenied)
			require.Contains(t, err.Error(), string(c))
			require.Zero(t, d.Starts())
			require.Zero(t, d.TotalListeners())
		})
	}
}

func TestFusedSource_PromptIsNotGranted(t *testing.T) {
	d := telemetrytest.NewDevice()
	d.SetGrant(telemetry.CapabilityGyroscope, telemetry.PermissionPrompt)

	_, err := newFused(t, d).Start(context.Background(), func(orient.FusedSample) {}, nil)
	require.ErrorIs(t, err, telemetry.ErrPermissionDenied)
}

func TestFusedSource_QueryError(t *testing.T) {
	d := telemetrytest.NewDevice()
	boom := errors.New("boom")
	d.SetQueryErr(boom)

	_, err := newFused(t, d).Start(context.Background(), func(orient.FusedSample) {}, nil)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, telemetry.ErrPermissionDenied)
	require.Zero(t, d.Starts())
}

func TestFusedSource_HardwareStartError(t *testing.T) {
	d := telemetrytest.NewDevice()
	d.SetStartErr(errors.New("not readable"))

	_, err := newFused(t, d).Start(context.Background(), func(orient.FusedSample) {}, func(error) {})
	require.ErrorContains(t, err, "start fused sensor")
	require.Zero(t, d.TotalListeners())
}

func TestFusedSource_CancelledWhilePending(t *testing.T) {
	d := telemetrytest.NewDevice()
	d.HoldPermissions()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := newFused(t, d).Start(ctx, func(orient.FusedSample) {}, nil)
		errCh <- err
	}()

	cancel()
	d.ReleasePermissions()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return")
	}
	require.Zero(t, d.Starts())
	require.Zero(t, d.TotalListeners())
}

func TestFusedSource_Unavailable(t *testing.T) {
	src := telemetry.NewFusedSource(nil, nil, telemetry.FusedOptions{}, nil)
	_, err := src.Start(context.Background(), func(orient.FusedSample) {}, nil)
	require.ErrorIs(t, err, telemetry.ErrSensorUnavailable)
}

func TestRawSource_StartStop(t *testing.T) {
	d := telemetrytest.NewDevice()
	d.Rotate(90, "landscape-primary")
	src := newRaw(t, d, false)

	h, err := src.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, 90.0, src.ScreenAngle())

	_, _, orientation, rotations := d.Listeners()
	require.Equal(t, 1, orientation)
	require.Equal(t, 1, rotations)

	_, ok := src.Latest()
	require.False(t, ok)

	a := orient.DeviceAngles{Alpha: orient.Deg(10), Beta: orient.Deg(20), Gamma: orient.Deg(30)}
	d.EmitOrientation(a)
	got, ok := src.Latest()
	require.True(t, ok)
	require.Equal(t, a, got)
	require.EqualValues(t, 1, src.Received())
	require.False(t, src.LastSeen().IsZero())

	d.Rotate(-90, "landscape-secondary")
	require.Equal(t, -90.0, src.ScreenAngle())

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	require.Zero(t, d.TotalListeners())

	// Events after Stop are not seen.
	d.EmitOrientation(orient.DeviceAngles{Alpha: orient.Deg(99)})
	got, _ = src.Latest()
	require.Equal(t, a, got)
}

func TestRawSource_RestartClearsLatest(t *testing.T) {
	d := telemetrytest.NewDevice()
	src := newRaw(t, d, false)

	h, err := src.Start(context.Background())
	require.NoError(t, err)
	d.EmitOrientation(orient.DeviceAngles{Alpha: orient.Deg(1)})
	require.NoError(t, h.Stop())

	h, err = src.Start(context.Background())
	require.NoError(t, err)
	defer h.Stop()
	_, ok := src.Latest()
	require.False(t, ok)
}

func TestRawSource_UsableNeedsAnAngle(t *testing.T) {
	d := telemetrytest.NewDevice()
	src := newRaw(t, d, false)

	h, err := src.Start(context.Background())
	require.NoError(t, err)
	defer h.Stop()

	nan := math.NaN()
	d.EmitOrientation(orient.DeviceAngles{})
	d.EmitOrientation(orient.DeviceAngles{Alpha: &nan, Absolute: true})
	require.EqualValues(t, 2, src.Received())
	require.False(t, src.Usable())

	d.EmitOrientation(orient.DeviceAngles{Gamma: orient.Deg(0)})
	require.True(t, src.Usable())

	// Later empty events do not undo it; a restart does.
	d.EmitOrientation(orient.DeviceAngles{})
	require.True(t, src.Usable())
	require.NoError(t, h.Stop())
	h, err = src.Start(context.Background())
	require.NoError(t, err)
	require.False(t, src.Usable())
	require.NoError(t, h.Stop())
}

func TestRawSource_Consent(t *testing.T) {
	cases := []struct {
		name    string
		state   telemetry.PermissionState
		err     error
		wantErr error
	}{
		{name: "Granted", state: telemetry.PermissionGranted},
		{name: "Denied", state: telemetry.PermissionDenied, wantErr: telemetry.ErrPermissionDenied},
		{name: "Error", state: telemetry.PermissionPrompt, err: errors.New("not allowed"), wantErr: errors.New("not allowed")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := telemetrytest.NewDevice()
			d.SetConsent(tc.state, tc.err)
			src := newRaw(t, d, true)

			h, err := src.Start(context.Background())
			require.Equal(t, 1, d.ConsentRequests())
			if tc.wantErr == nil {
				require.NoError(t, err)
				require.Equal(t, 2, d.TotalListeners())
				require.NoError(t, h.Stop())
				return
			}
			require.Error(t, err)
			require.ErrorContains(t, err, tc.wantErr.Error())
			require.Zero(t, d.TotalListeners())
		})
	}
}

func TestRawSource_NoEvents(t *testing.T) {
	src := telemetry.NewRawSource(nil, nil, nil, nil)
	_, err := src.Start(context.Background())
	require.ErrorIs(t, err, telemetry.ErrNoFallbackAvailable)
}

func TestListeners(t *testing.T) {
	var l telemetry.Listeners[int]
	var sum int
	r1 := l.Add(func(v int) { sum += v })
	r2 := l.Add(func(v int) { sum += 10 * v })
	require.Equal(t, 2, l.Len())

	l.Emit(1)
	require.Equal(t, 11, sum)

	r1()
	r1()
	require.Equal(t, 1, l.Len())
	l.Emit(1)
	require.Equal(t, 21, sum)

	r2()
	require.Zero(t, l.Len())
	l.Add(nil)()
	require.Zero(t, l.Len())
}

func TestParsePermissionState(t *testing.T) {
	for in, want := range map[string]telemetry.PermissionState{
		"granted": telemetry.PermissionGranted,
		"denied":  telemetry.PermissionDenied,
		"prompt":  telemetry.PermissionPrompt,
	} {
		got, err := telemetry.ParsePermissionState(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Equal(t, in, got.String())
	}
	_, err := telemetry.ParsePermissionState("maybe")
	require.Error(t, err)
}
