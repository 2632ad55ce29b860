package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lookaround/internal/orient"
)

// FusedSource drives the fused orientation sensor. It needs both the accelerometer and
// the gyroscope permission before the hardware is touched.
type FusedSource struct {
	perms  Permissions
	sensor FusedSensor
	opts   FusedOptions
	logger *zap.Logger
}

func NewFusedSource(perms Permissions, sensor FusedSensor, opts FusedOptions, logger *zap.Logger) *FusedSource {
	if opts.FrequencyHz <= 0 {
		opts.FrequencyHz = 60
	}
	if opts.ReferenceFrame == "" {
		opts.ReferenceFrame = "screen"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FusedSource{perms: perms, sensor: sensor, opts: opts, logger: logger.Named("fused")}
}

// Start checks permissions and, when both are granted, subscribes onReading and onError
// and starts the hardware. Nothing is registered unless Start succeeds.
func (s *FusedSource) Start(ctx context.Context, onReading func(orient.FusedSample), onError func(error)) (Handle, error) {
	if s == nil || s.sensor == nil || s.perms == nil {
		return nil, ErrSensorUnavailable
	}
	if err := s.checkPermissions(ctx); err != nil {
		return nil, err
	}
	// The answer may arrive after the caller gave up.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &fusedHandle{sensor: s.sensor}
	h.removeReading = s.sensor.OnReading(onReading)
	if onError != nil {
		h.removeError = s.sensor.OnError(onError)
	}
	if err := s.sensor.Start(s.opts); err != nil {
		h.removeListeners()
		return nil, fmt.Errorf("telemetry: start fused sensor: %w", err)
	}
	h.running = true
	s.logger.Debug("fused sensor started",
		zap.Float64("frequency_hz", s.opts.FrequencyHz),
		zap.String("reference_frame", s.opts.ReferenceFrame))
	return h, nil
}

func (s *FusedSource) checkPermissions(ctx context.Context) error {
	caps := []Capability{CapabilityAccelerometer, CapabilityGyroscope}
	states := make([]PermissionState, len(caps))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range caps {
		i, c := i, c
		g.Go(func() error {
			st, err := s.perms.Query(gctx, c)
			if err != nil {
				return fmt.Errorf("telemetry: query %s permission: %w", c, err)
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, st := range states {
		if st != PermissionGranted {
			s.logger.Info("fused sensor permission not granted",
				zap.String("capability", string(caps[i])), zap.Stringer("state", st))
			return fmt.Errorf("telemetry: %s %w", caps[i], ErrPermissionDenied)
		}
	}
	return nil
}

type fusedHandle struct {
	sensor        FusedSensor
	removeReading func()
	removeError   func()
	running       bool

	once sync.Once
	err  error
}

func (h *fusedHandle) removeListeners() {
	if h.removeReading != nil {
		h.removeReading()
	}
	if h.removeError != nil {
		h.removeError()
	}
}

func (h *fusedHandle) Stop() error {
	h.once.Do(func() {
		h.removeListeners()
		if h.running {
			if err := h.sensor.Stop(); err != nil {
				h.err = fmt.Errorf("telemetry: stop fused sensor: %w", err)
			}
		}
	})
	return h.err
}
