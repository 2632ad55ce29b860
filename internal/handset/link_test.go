package handset

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lookaround/internal/controller"
	"lookaround/internal/orient"
	"lookaround/internal/scene"
	"lookaround/internal/telemetry"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient is an in-memory broker with one subscriber.
type fakeClient struct {
	mu           sync.Mutex
	handler      mqtt.MessageHandler
	filters      map[string]byte
	published    []fakeMessage
	unsubscribed []string
	disconnected bool
	onPublish    func(topic string, payload []byte)
	subErr       error
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return doneToken{} }
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b, _ := payload.([]byte)
	c.mu.Lock()
	c.published = append(c.published, fakeMessage{topic: topic, payload: b})
	hook := c.onPublish
	c.mu.Unlock()
	if hook != nil {
		go hook(topic, b)
	}
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, cb)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return doneToken{err: c.subErr}
	}
	c.filters = filters
	c.handler = cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return doneToken{}
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) deliver(t *testing.T, topic string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.deliverRaw(topic, b)
}

func (c *fakeClient) deliverRaw(topic string, b []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: b})
}

func (c *fakeClient) Published() []fakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeMessage(nil), c.published...)
}

func newLink(t *testing.T, cfg Config) (*Link, *fakeClient) {
	t.Helper()
	fc := &fakeClient{}
	cfg.TopicPrefix = "phone"
	cfg.Logger = zaptest.NewLogger(t)
	l, err := New(fc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, fc
}

func TestNew_SubscribesAllTopics(t *testing.T) {
	_, fc := newLink(t, Config{QoS: 1})
	require.Len(t, fc.filters, 6)
	require.Equal(t, byte(1), fc.filters["phone/orientation"])
	require.Contains(t, fc.filters, "phone/fused/error")
}

func TestNew_SubscribeError(t *testing.T) {
	_, err := New(&fakeClient{subErr: errors.New("not authorized")}, Config{})
	require.ErrorContains(t, err, "not authorized")
}

func TestLink_QueryWaitsForPermissions(t *testing.T) {
	l, fc := newLink(t, Config{})

	got := make(chan telemetry.PermissionState, 1)
	go func() {
		st, err := l.Query(context.Background(), telemetry.CapabilityGyroscope)
		if err != nil {
			st = telemetry.PermissionPrompt
		}
		got <- st
	}()

	select {
	case <-got:
		t.Fatalf("query answered before the phone reported")
	case <-time.After(20 * time.Millisecond):
	}

	fc.deliver(t, "phone/permissions", PermissionsMessage{Accelerometer: "granted", Gyroscope: "denied"})
	require.Equal(t, telemetry.PermissionDenied, <-got)

	// Later reports replace the earlier one.
	fc.deliver(t, "phone/permissions", PermissionsMessage{Accelerometer: "granted", Gyroscope: "granted"})
	st, err := l.Query(context.Background(), telemetry.CapabilityGyroscope)
	require.NoError(t, err)
	require.Equal(t, telemetry.PermissionGranted, st)
}

func TestLink_QueryCancelled(t *testing.T) {
	l, _ := newLink(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Query(ctx, telemetry.CapabilityGyroscope)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLink_QueryAfterClose(t *testing.T) {
	l, fc := newLink(t, Config{})
	require.NoError(t, l.Close())
	_, err := l.Query(context.Background(), telemetry.CapabilityGyroscope)
	require.ErrorIs(t, err, errClosed)
	require.Len(t, fc.unsubscribed, 6)
	require.True(t, fc.disconnected)
}

func TestLink_Consent(t *testing.T) {
	l, fc := newLink(t, Config{Consent: true})
	fc.onPublish = func(topic string, _ []byte) {
		if topic == "phone/consent/request" {
			fc.deliverRaw("phone/consent", []byte(`{"state":"granted"}`))
		}
	}
	st, err := l.RequestPermission(context.Background())
	require.NoError(t, err)
	require.Equal(t, telemetry.PermissionGranted, st)
}

func TestLink_FusedControlAndReadings(t *testing.T) {
	l, fc := newLink(t, Config{Fused: true})

	require.NoError(t, l.Start(telemetry.FusedOptions{FrequencyHz: 30, ReferenceFrame: "screen"}))
	require.NoError(t, l.Stop())
	pub := fc.Published()
	require.Len(t, pub, 2)
	require.Equal(t, "phone/fused/control", pub[0].topic)
	require.JSONEq(t, `{"action":"start","frequency_hz":30,"reference_frame":"screen"}`, string(pub[0].payload))
	require.JSONEq(t, `{"action":"stop"}`, string(pub[1].payload))

	var readings []orient.FusedSample
	var errs []error
	defer l.OnReading(func(s orient.FusedSample) { readings = append(readings, s) })()
	defer l.OnError(func(err error) { errs = append(errs, err) })()

	fc.deliver(t, "phone/fused", FusedMessage{Quaternion: [4]float64{0, 0, 0, 1}})
	fc.deliver(t, "phone/fused/error", FusedErrorMessage{Error: "NotReadableError"})
	fc.deliverRaw("phone/fused", []byte("{not json"))

	require.Equal(t, []orient.FusedSample{{0, 0, 0, 1}}, readings)
	require.Len(t, errs, 1)
	require.ErrorContains(t, errs[0], "NotReadableError")
}

func TestLink_OrientationAndScreen(t *testing.T) {
	l, fc := newLink(t, Config{})

	var got []orient.DeviceAngles
	defer l.OnDeviceOrientation(func(a orient.DeviceAngles) { got = append(got, a) })()
	rotations := 0
	defer l.OnChange(func() { rotations++ })()

	fc.deliverRaw("phone/orientation", []byte(`{"alpha":10,"beta":20,"gamma":null}`))
	require.Len(t, got, 1)
	require.Equal(t, 10.0, *got[0].Alpha)
	require.Nil(t, got[0].Gamma)

	fc.deliver(t, "phone/screen", ScreenMessage{Angle: 0, Type: "landscape-primary"})
	require.Equal(t, 1, rotations)
	angle, kind := l.Angle()
	require.Equal(t, 0.0, angle)
	require.Equal(t, "landscape-primary", kind)
}

func TestLink_PlatformCapabilities(t *testing.T) {
	l, _ := newLink(t, Config{})
	p := l.Platform()
	require.False(t, p.HasFusedSensor())
	require.Nil(t, p.Consent)

	l, _ = newLink(t, Config{Fused: true, Consent: true})
	p = l.Platform()
	require.True(t, p.HasFusedSensor())
	require.NotNil(t, p.Consent)
}

func TestLink_DrivesController(t *testing.T) {
	l, fc := newLink(t, Config{Fused: true})
	obj := scene.NewObject([3]float64{})
	c, err := controller.New(obj, l.Platform(), controller.Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, controller.StateConnecting, c.State())

	// Gyroscope denied: the phone's fused sensor is never started.
	fc.deliver(t, "phone/permissions", PermissionsMessage{Accelerometer: "granted", Gyroscope: "denied"})
	require.Eventually(t, func() bool { return c.State() == controller.StateActiveRaw }, 2*time.Second, time.Millisecond)
	require.Empty(t, fc.Published())

	fc.deliverRaw("phone/orientation", []byte(`{"alpha":0,"beta":0,"gamma":0}`))
	c.Update()
	require.True(t, orient.AlmostEqual(obj.Quaternion(), orient.LookBack, 1e-12))
}
