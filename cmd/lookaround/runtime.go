package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lookaround/internal/config"
	"lookaround/internal/controller"
	"lookaround/internal/handset"
	"lookaround/internal/scene"
	"lookaround/internal/sim"
	"lookaround/internal/telemetry"
	"lookaround/internal/udp"
	"lookaround/internal/web"
)

type runtime struct {
	cfg    config.Config
	logger *zap.Logger

	logs      *web.LogBuffer
	status    *web.Status
	rotations *web.RotationBroadcaster
	object    *scene.Object
	ctl       *controller.Controller

	// Exactly one of sim and link is set.
	sim  *sim.Platform
	link *handset.Link
	udp  *udp.Sender

	udpFailures uint64
}

func newRuntime(cfg config.Config, logger *zap.Logger, logs *web.LogBuffer) (_ *runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logs == nil {
		logs = web.NewLogBuffer(cfg.Log.BufferLines)
	}
	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		logs:      logs,
		status:    web.NewStatus(),
		rotations: web.NewRotationBroadcaster(),
		object:    scene.NewObject(mgl64.Vec3(cfg.Render.Position)),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.close())
		}
	}()

	var (
		platform telemetry.Platform
		info     map[string]any
	)
	switch cfg.Platform.Mode {
	case "sim":
		rt.sim, err = newSimPlatform(cfg.Platform.Sim, logger)
		if err != nil {
			return nil, err
		}
		platform = rt.sim.Telemetry()
		info = map[string]any{
			"fused":   cfg.Platform.Sim.Fused,
			"consent": cfg.Platform.Sim.Consent,
			"silent":  cfg.Platform.Sim.Silent,
			"script":  cfg.Platform.Sim.Script,
		}
	case "mqtt":
		m := cfg.Platform.MQTT
		rt.link, err = handset.Dial(handset.Config{
			Broker:         m.Broker,
			ClientID:       m.ClientID,
			TopicPrefix:    m.TopicPrefix,
			Username:       m.Username,
			Password:       m.Password,
			QoS:            m.QoS,
			ConnectTimeout: m.ConnectTimeout,
			Consent:        m.Consent,
			Fused:          m.Fused,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("handset link init failed: %w", err)
		}
		platform = rt.link.Platform()
		info = map[string]any{
			"broker":       m.Broker,
			"topic_prefix": m.TopicPrefix,
			"fused":        m.Fused,
			"consent":      m.Consent,
		}
	default:
		return nil, fmt.Errorf("unsupported platform mode %q", cfg.Platform.Mode)
	}
	rt.status.SetStatic(cfg.Platform.Mode, cfg.Render.Interval.String(), info)

	c := cfg.Controller
	rt.ctl, err = controller.New(rt.object, platform, controller.Config{
		AlphaOffset:                  c.AlphaOffsetRad,
		WatchdogGrace:                c.WatchdogGrace,
		RestoreReferenceOnDisconnect: c.RestoreReferenceOnDisconnect,
		StartDisabled:                c.StartDisabled,
		Fused: telemetry.FusedOptions{
			FrequencyHz:    c.Fused.FrequencyHz,
			ReferenceFrame: c.Fused.ReferenceFrame,
		},
		Logger: logger,
		OnError: func(err error) {
			logger.Warn("orientation controller error", zap.Error(err))
			rt.status.SetError(err)
		},
	})
	if err != nil {
		return nil, err
	}

	if cfg.UDP.Enable {
		rt.udp, err = udp.NewSender(cfg.UDP.Dest)
		if err != nil {
			return nil, fmt.Errorf("udp sender init failed: %w", err)
		}
	}
	return rt, nil
}

func newSimPlatform(cfg config.SimConfig, logger *zap.Logger) (*sim.Platform, error) {
	var motion sim.Motion = sim.Handset{Period: cfg.Period}
	if cfg.Script != "" {
		script, err := sim.LoadGestureScript(cfg.Script)
		if err != nil {
			return nil, err
		}
		g, err := sim.NewGesture(script, cfg.Loop)
		if err != nil {
			return nil, err
		}
		motion = g
	}

	grants := make(map[telemetry.Capability]telemetry.PermissionState, len(cfg.Grants))
	for name, v := range cfg.Grants {
		st, err := telemetry.ParsePermissionState(v)
		if err != nil {
			return nil, fmt.Errorf("platform.sim.grants.%s: %w", name, err)
		}
		grants[telemetry.Capability(name)] = st
	}
	consent, err := telemetry.ParsePermissionState(cfg.ConsentState)
	if err != nil {
		return nil, fmt.Errorf("platform.sim.consent_state: %w", err)
	}

	return sim.NewPlatform(sim.PlatformConfig{
		Motion:        motion,
		RateHz:        cfg.RateHz,
		Fused:         cfg.Fused,
		Consent:       cfg.Consent,
		Silent:        cfg.Silent,
		Grants:        grants,
		ConsentState:  consent,
		PermissionLag: cfg.PermissionLag,
		ScreenAngle:   cfg.ScreenAngle,
		ScreenType:    cfg.ScreenType,
		Logger:        logger,
	}), nil
}

func (rt *runtime) deps(ctx context.Context) web.Deps {
	return web.Deps{
		Status:         rt.status,
		Controller:     rt.ctl,
		Rotations:      rt.rotations,
		Logs:           rt.logs,
		Logger:         rt.logger,
		SessionContext: ctx,
	}
}

// run serves the web API, drives the simulated handset and renders until ctx is done.
func (rt *runtime) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(web.Serve(ctx, rt.cfg.Web.Listen, web.Handler(rt.deps(ctx)), rt.logger))
	})
	if rt.sim != nil {
		g.Go(func() error { return rt.sim.Run(ctx) })
	}
	g.Go(func() error { return rt.renderLoop(ctx) })

	if rt.cfg.Controller.AutoConnect {
		if err := rt.ctl.Connect(ctx); err != nil {
			rt.logger.Warn("auto connect failed", zap.Error(err))
		}
	}
	return g.Wait()
}

func (rt *runtime) renderLoop(ctx context.Context) error {
	ticker := time.NewTicker(rt.cfg.Render.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			rt.renderFrame(now.UTC())
		}
	}
}

// renderFrame is one render-loop iteration: pull the raw path, then publish what the
// camera now shows.
func (rt *runtime) renderFrame(now time.Time) web.RotationSnapshot {
	rt.ctl.Update()

	obj := rt.object.Snapshot()
	state := rt.ctl.State()
	valid := state == controller.StateActiveFused || state == controller.StateActiveRaw
	snap := web.RotationSnapshot{
		Valid:    valid,
		Source:   rt.ctl.Source().String(),
		State:    state.String(),
		Rotation: obj.Rotation,
		Forward:  obj.Forward,
		Version:  obj.Version,
	}
	rt.rotations.Publish(snap)

	if rt.udp != nil {
		err := rt.udp.SendRotation(udp.Datagram{
			TimeUnixMs: now.UnixMilli(),
			State:      snap.State,
			Source:     snap.Source,
			Rotation:   snap.Rotation,
			Forward:    snap.Forward,
		})
		if err != nil {
			rt.udpFailures++
			// Log the first failure and then every thousandth.
			if rt.udpFailures%1000 == 1 {
				rt.logger.Warn("udp send failed", zap.Error(err), zap.Uint64("failures", rt.udpFailures))
			}
		}
	}

	rt.status.MarkTick(now, valid)
	return snap
}

func (rt *runtime) close() error {
	var err error
	if rt.ctl != nil {
		err = multierr.Append(err, rt.ctl.Dispose())
	}
	if rt.link != nil {
		err = multierr.Append(err, rt.link.Close())
	}
	if rt.sim != nil {
		err = multierr.Append(err, rt.sim.Close())
	}
	if rt.udp != nil {
		err = multierr.Append(err, rt.udp.Close())
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
