package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/twin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	payload []byte
}

type recorder struct {
	mutex     sync.Mutex
	messages  []published
	onPublish func(topic string, payload []byte)
}

func (r *recorder) Publish(topic string, payload []byte, qos byte) {
	r.mutex.Lock()
	r.messages = append(r.messages, published{topic: topic, payload: payload})
	onPublish := r.onPublish
	r.mutex.Unlock()
	if onPublish != nil {
		onPublish(topic, payload)
	}
}

func (r *recorder) last() published {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.messages[len(r.messages)-1]
}

type fakeHandler struct {
	reported twin.Properties
	desired  twin.Properties
	feedback []string
}

func (f *fakeHandler) GetTwin(ctx context.Context, deviceID string) (*twin.Twin, string, error) {
	t := twin.New()
	t.Desired = f.desired
	return &t, "1", nil
}

func (f *fakeHandler) ApplyReported(ctx context.Context, deviceID string, patch twin.Properties) (*devices.Device, error) {
	f.reported = patch
	return &devices.Device{}, nil
}

func (f *fakeHandler) UpdateCommandResult(ctx context.Context, deviceID, messageID, result, errorMessage string) error {
	f.feedback = append(f.feedback, messageID+":"+result)
	return nil
}

func TestTopicPolicy(t *testing.T) {
	assert.True(t, MaySubscribe("dev-1", "devices/dev-1/twin/desired"))
	assert.True(t, MaySubscribe("dev-1", "devices/dev-1/commands"))
	assert.True(t, MaySubscribe("dev-1", "devices/dev-1/methods/#"))
	assert.True(t, MaySubscribe("dev-1", "devices/dev-1/methods/Reboot/+"))
	assert.False(t, MaySubscribe("dev-1", "devices/dev-2/commands"))
	assert.False(t, MaySubscribe("dev-1", "devices/+/commands"))
	assert.False(t, MaySubscribe("dev-1", "devices/dev-1/telemetry"))
	assert.False(t, MaySubscribe("dev-1", "devices/dev-1/methods/res/#"))
	assert.False(t, MaySubscribe("dev-1", "#"))

	assert.True(t, MayPublish("dev-1", "devices/dev-1/telemetry"))
	assert.True(t, MayPublish("dev-1", "devices/dev-1/twin/reported"))
	assert.True(t, MayPublish("dev-1", "devices/dev-1/methods/res/42"))
	assert.False(t, MayPublish("dev-1", "devices/dev-1/methods/res/"))
	assert.False(t, MayPublish("dev-1", "devices/dev-1/commands"))
	assert.False(t, MayPublish("dev-1", "devices/dev-2/telemetry"))
}

func TestHandleMessages(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	handler := &fakeHandler{desired: twin.Properties{"interval": 10.0}}
	var ingested []string
	h := NewHub(pub, handler, TelemetryIngesterFunc(func(ctx context.Context, deviceID string, payload []byte) error {
		ingested = append(ingested, deviceID+" "+string(payload))
		return nil
	}), nil)

	require.NoError(t, h.HandleMessage(ctx, "dev-1", "devices/dev-1/telemetry", []byte(`{"Temperature":20}`)))
	assert.Equal(t, []string{`dev-1 {"Temperature":20}`}, ingested)

	require.NoError(t, h.HandleMessage(ctx, "dev-1", "devices/dev-1/twin/reported", []byte(`{"firmware":"1.2"}`)))
	assert.Equal(t, twin.Properties{"firmware": "1.2"}, handler.reported)
	assert.Error(t, h.HandleMessage(ctx, "dev-1", "devices/dev-1/twin/reported", []byte(`[1]`)))

	require.NoError(t, h.HandleMessage(ctx, "dev-1", "devices/dev-1/twin/get", nil))
	msg := pub.last()
	assert.Equal(t, "devices/dev-1/twin/desired", msg.topic)
	assert.JSONEq(t, `{"interval":10}`, string(msg.payload))

	require.NoError(t, h.HandleMessage(ctx, "dev-1", "devices/dev-1/commands/feedback", []byte(`{"messageId":"m1"}`)))
	assert.Equal(t, []string{"m1:" + devices.ResultSuccess}, handler.feedback)

	assert.Error(t, h.HandleMessage(ctx, "dev-1", "devices/dev-2/telemetry", []byte(`{}`)), "foreign topics are rejected")
	assert.Error(t, h.HandleMessage(ctx, "dev-1", "devices/dev-1/methods/res/unknown", []byte(`{"status":200}`)))
}

func TestMessenger(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	h := NewHub(pub, &fakeHandler{}, nil, nil)

	err := h.SendCommand(ctx, "dev-1", devices.CommandMessage{MessageID: "m1", Name: "PingDevice"})
	assert.True(t, errors.Is(err, devices.ErrOffline))
	require.NoError(t, h.PublishDesired(ctx, "dev-1", twin.Properties{"a": 1.0}), "offline devices fetch desired properties later")
	assert.Empty(t, pub.messages)

	h.Connected("dev-1")
	require.NoError(t, h.SendCommand(ctx, "dev-1", devices.CommandMessage{MessageID: "m1", Name: "PingDevice"}))
	msg := pub.last()
	assert.Equal(t, "devices/dev-1/commands", msg.topic)
	var command devices.CommandMessage
	require.NoError(t, json.Unmarshal(msg.payload, &command))
	assert.Equal(t, "PingDevice", command.Name)

	require.NoError(t, h.PublishDesired(ctx, "dev-1", twin.Properties{"a": 1.0}))
	assert.Equal(t, "devices/dev-1/twin/desired", pub.last().topic)

	h.Connected("dev-1")
	h.Disconnected("dev-1")
	assert.True(t, h.IsConnected("dev-1"), "one connection is left")
	h.Disconnected("dev-1")
	assert.False(t, h.IsConnected("dev-1"))
}

func TestInvokeMethod(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	h := NewHub(pub, &fakeHandler{}, nil, nil)
	h.Connected("dev-1")

	// the device answers every request asynchronously
	pub.onPublish = func(topic string, payload []byte) {
		parts := strings.Split(topic, "/")
		requestID := parts[len(parts)-1]
		go func() {
			err := h.HandleMessage(ctx, "dev-1", "devices/dev-1/methods/res/"+requestID, []byte(`{"status":200,"payload":{"echo":`+string(payload)+`}}`))
			assert.NoError(t, err)
		}()
	}
	response, err := h.InvokeMethod(ctx, "dev-1", "Reboot", json.RawMessage(`{"delay":1}`), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, response.Status)
	assert.JSONEq(t, `{"echo":{"delay":1}}`, string(response.Payload))
	assert.True(t, strings.HasPrefix(pub.last().topic, "devices/dev-1/methods/Reboot/"))

	pub.mutex.Lock()
	pub.onPublish = nil
	pub.mutex.Unlock()
	_, err = h.InvokeMethod(ctx, "dev-1", "Reboot", json.RawMessage(`{}`), 50*time.Millisecond)
	assert.True(t, errors.Is(err, devices.ErrTimeout))

	_, err = h.InvokeMethod(ctx, "dev-2", "Reboot", json.RawMessage(`{}`), time.Second)
	assert.True(t, errors.Is(err, devices.ErrOffline))
	_, err = h.InvokeMethod(ctx, "dev-1", "a/b", json.RawMessage(`{}`), time.Second)
	assert.True(t, errors.Is(err, devices.ErrInvalid))
}
