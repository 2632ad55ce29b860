// Package handset connects to a real phone over MQTT. The phone publishes its
// permissions, orientation events and fused readings as JSON; the link presents them as
// the platform services the controller consumes.
package handset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lookaround/internal/orient"
	"lookaround/internal/telemetry"
)

// Topic suffixes under Config.TopicPrefix.
const (
	TopicPermissions    = "permissions"
	TopicConsent        = "consent"
	TopicConsentRequest = "consent/request"
	TopicOrientation    = "orientation"
	TopicScreen         = "screen"
	TopicFused          = "fused"
	TopicFusedError     = "fused/error"
	TopicFusedControl   = "fused/control"
)

type Config struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	// Consent makes raw events wait for the phone's motion-consent answer.
	Consent bool
	// Fused exposes the phone's fused sensor.
	Fused  bool
	Logger *zap.Logger
}

// PermissionsMessage is the retained permissions report.
type PermissionsMessage struct {
	Accelerometer string `json:"accelerometer"`
	Gyroscope     string `json:"gyroscope"`
}

type ConsentMessage struct {
	State string `json:"state"`
}

type ScreenMessage struct {
	Angle float64 `json:"angle"`
	Type  string  `json:"type"`
}

type FusedMessage struct {
	// Quaternion is x, y, z, w.
	Quaternion [4]float64 `json:"quaternion"`
}

type FusedErrorMessage struct {
	Error string `json:"error"`
}

type ControlMessage struct {
	Action         string  `json:"action"`
	FrequencyHz    float64 `json:"frequency_hz,omitempty"`
	ReferenceFrame string  `json:"reference_frame,omitempty"`
}

var errClosed = errors.New("handset: link closed")

// Link is the MQTT-backed handset. It implements every platform service.
type Link struct {
	client mqtt.Client
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	perms       map[telemetry.Capability]telemetry.PermissionState
	permsReady  chan struct{}
	consentWait []chan telemetry.PermissionState
	screenAngle float64
	screenType  string
	closed      chan struct{}
	closeOnce   sync.Once

	readings    telemetry.Listeners[orient.FusedSample]
	errs        telemetry.Listeners[error]
	orientation telemetry.Listeners[orient.DeviceAngles]
	rotations   telemetry.Listeners[struct{}]
}

// Dial connects to the broker and subscribes to the handset's topics.
func Dial(cfg Config) (*Link, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("handset: connect %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("handset: connect %s: %w", cfg.Broker, token.Error())
	}
	l, err := New(client, cfg)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return l, nil
}

// New wires a link onto an already connected client.
func New(client mqtt.Client, cfg Config) (*Link, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "lookaround/handset"
	}
	l := &Link{
		client:     client,
		cfg:        cfg,
		logger:     cfg.Logger.Named("handset"),
		permsReady: make(chan struct{}),
		screenType: "portrait-primary",
		closed:     make(chan struct{}),
	}
	filters := map[string]byte{}
	for _, s := range []string{TopicPermissions, TopicConsent, TopicOrientation, TopicScreen, TopicFused, TopicFusedError} {
		filters[l.topic(s)] = cfg.QoS
	}
	token := client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		l.handle(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("handset: subscribe: %w", err)
	}
	l.logger.Info("subscribed", zap.String("prefix", cfg.TopicPrefix))
	return l, nil
}

func (l *Link) topic(suffix string) string {
	return l.cfg.TopicPrefix + "/" + suffix
}

// handle dispatches one message. Malformed payloads are logged and dropped.
func (l *Link) handle(topic string, payload []byte) {
	var err error
	switch topic {
	case l.topic(TopicPermissions):
		var m PermissionsMessage
		if err = json.Unmarshal(payload, &m); err == nil {
			err = l.setPermissions(m)
		}
	case l.topic(TopicConsent):
		var m ConsentMessage
		if err = json.Unmarshal(payload, &m); err == nil {
			var st telemetry.PermissionState
			if st, err = telemetry.ParsePermissionState(m.State); err == nil {
				l.answerConsent(st)
			}
		}
	case l.topic(TopicOrientation):
		var a orient.DeviceAngles
		if err = json.Unmarshal(payload, &a); err == nil {
			l.orientation.Emit(a)
		}
	case l.topic(TopicScreen):
		var m ScreenMessage
		if err = json.Unmarshal(payload, &m); err == nil {
			l.mu.Lock()
			l.screenAngle, l.screenType = m.Angle, m.Type
			l.mu.Unlock()
			l.rotations.Emit(struct{}{})
		}
	case l.topic(TopicFused):
		var m FusedMessage
		if err = json.Unmarshal(payload, &m); err == nil {
			l.readings.Emit(orient.FusedSample(m.Quaternion))
		}
	case l.topic(TopicFusedError):
		var m FusedErrorMessage
		if err = json.Unmarshal(payload, &m); err == nil {
			l.errs.Emit(fmt.Errorf("handset: %s", m.Error))
		}
	default:
		return
	}
	if err != nil {
		l.logger.Warn("dropping malformed message", zap.String("topic", topic), zap.Error(err))
	}
}

func (l *Link) setPermissions(m PermissionsMessage) error {
	acc, err := telemetry.ParsePermissionState(m.Accelerometer)
	if err != nil {
		return err
	}
	gyro, err := telemetry.ParsePermissionState(m.Gyroscope)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	first := l.perms == nil
	l.perms = map[telemetry.Capability]telemetry.PermissionState{
		telemetry.CapabilityAccelerometer: acc,
		telemetry.CapabilityGyroscope:     gyro,
	}
	if first {
		close(l.permsReady)
	}
	return nil
}

func (l *Link) answerConsent(st telemetry.PermissionState) {
	l.mu.Lock()
	waiters := l.consentWait
	l.consentWait = nil
	l.mu.Unlock()
	for _, ch := range waiters {
		ch <- st
	}
}

// Platform exposes the link as the controller's platform services.
func (l *Link) Platform() telemetry.Platform {
	p := telemetry.Platform{
		Permissions: l,
		Orientation: l,
		Display:     l,
	}
	if l.cfg.Fused {
		p.Fused = l
	}
	if l.cfg.Consent {
		p.Consent = l
	}
	return p
}

// Query waits for the phone's first permissions report.
func (l *Link) Query(ctx context.Context, c telemetry.Capability) (telemetry.PermissionState, error) {
	select {
	case <-l.permsReady:
	case <-ctx.Done():
		return telemetry.PermissionPrompt, ctx.Err()
	case <-l.closed:
		return telemetry.PermissionPrompt, errClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perms[c], nil
}

// RequestPermission asks the phone to show its motion-consent prompt and waits for the
// answer.
func (l *Link) RequestPermission(ctx context.Context) (telemetry.PermissionState, error) {
	ch := make(chan telemetry.PermissionState, 1)
	l.mu.Lock()
	l.consentWait = append(l.consentWait, ch)
	l.mu.Unlock()

	if err := l.publish(TopicConsentRequest, struct{}{}); err != nil {
		return telemetry.PermissionPrompt, err
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return telemetry.PermissionPrompt, ctx.Err()
	case <-l.closed:
		return telemetry.PermissionPrompt, errClosed
	}
}

func (l *Link) Start(opts telemetry.FusedOptions) error {
	return l.publish(TopicFusedControl, ControlMessage{
		Action:         "start",
		FrequencyHz:    opts.FrequencyHz,
		ReferenceFrame: opts.ReferenceFrame,
	})
}

func (l *Link) Stop() error {
	return l.publish(TopicFusedControl, ControlMessage{Action: "stop"})
}

func (l *Link) publish(suffix string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := l.client.Publish(l.topic(suffix), l.cfg.QoS, false, b)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("handset: publish %s: %w", suffix, err)
	}
	return nil
}

func (l *Link) OnReading(fn func(orient.FusedSample)) func() { return l.readings.Add(fn) }

func (l *Link) OnError(fn func(error)) func() { return l.errs.Add(fn) }

func (l *Link) OnDeviceOrientation(fn func(orient.DeviceAngles)) func() {
	return l.orientation.Add(fn)
}

func (l *Link) Angle() (float64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.screenAngle, l.screenType
}

func (l *Link) OnChange(fn func()) func() {
	return l.rotations.Add(func(struct{}) { fn() })
}

// Close unsubscribes and disconnects. Pending permission waits return an error.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		for _, s := range []string{TopicPermissions, TopicConsent, TopicOrientation, TopicScreen, TopicFused, TopicFusedError} {
			token := l.client.Unsubscribe(l.topic(s))
			token.Wait()
			err = multierr.Append(err, token.Error())
		}
		l.client.Disconnect(250)
	})
	return err
}
