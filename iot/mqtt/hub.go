package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/metrics"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/twin"
)

// The topics of a device. All topics start with devices/{device_id}/.
const (
	TopicPrefix          = "devices/"
	TopicTelemetry       = "telemetry"
	TopicTwinReported    = "twin/reported"
	TopicTwinDesired     = "twin/desired"
	TopicTwinGet         = "twin/get"
	TopicCommands        = "commands"
	TopicCommandFeedback = "commands/feedback"
	TopicMethods         = "methods/"
	TopicMethodResponse  = "methods/res/"
)

// DeviceTopic returns the topic of a device
func DeviceTopic(deviceID, topic string) string {
	return TopicPrefix + deviceID + "/" + topic
}

// splitTopic returns the device id and the device relative part of a topic
func splitTopic(topic string) (deviceID, rest string, ok bool) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(topic, TopicPrefix), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Publisher publishes messages to devices
type Publisher interface {
	Publish(topic string, payload []byte, qos byte)
}

// PublisherFunc is a function implementing Publisher
type PublisherFunc func(topic string, payload []byte, qos byte)

// Publish implements Publisher
func (f PublisherFunc) Publish(topic string, payload []byte, qos byte) {
	f(topic, payload, qos)
}

// DeviceHandler is the device logic the hub calls for device messages
type DeviceHandler interface {
	GetTwin(ctx context.Context, deviceID string) (*twin.Twin, string, error)
	ApplyReported(ctx context.Context, deviceID string, patch twin.Properties) (*devices.Device, error)
	UpdateCommandResult(ctx context.Context, deviceID, messageID, result, errorMessage string) error
}

// TelemetryIngester ingests device telemetry
type TelemetryIngester interface {
	Ingest(ctx context.Context, deviceID string, payload []byte) error
}

// TelemetryIngesterFunc is a function implementing TelemetryIngester
type TelemetryIngesterFunc func(ctx context.Context, deviceID string, payload []byte) error

// Ingest implements TelemetryIngester
func (f TelemetryIngesterFunc) Ingest(ctx context.Context, deviceID string, payload []byte) error {
	return f(ctx, deviceID, payload)
}

// CommandFeedback is published by a device on commands/feedback
type CommandFeedback struct {
	MessageID    string `json:"messageId"`
	Result       string `json:"result"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// The quality of service levels used by the hub
const (
	qos0 byte = 0
	qos1 byte = 1
)

// Hub routes device messages to the device logic and implements devices.Messenger
// for connected devices
type Hub struct {
	publisher Publisher
	devices   DeviceHandler
	telemetry TelemetryIngester
	metrics   *metrics.Metrics

	mutex     sync.Mutex
	connected map[string]int
	pending   map[string]chan devices.MethodResponse
}

// NewHub creates a hub. publisher and handler are mandatory.
func NewHub(publisher Publisher, handler DeviceHandler, telemetry TelemetryIngester, m *metrics.Metrics) *Hub {
	if publisher == nil {
		panic("publisher is missing")
	}
	if handler == nil {
		panic("device handler is missing")
	}
	return &Hub{
		publisher: publisher,
		devices:   handler,
		telemetry: telemetry,
		metrics:   m,
		connected: map[string]int{},
		pending:   map[string]chan devices.MethodResponse{},
	}
}

// Connected registers a connection of a device
func (h *Hub) Connected(deviceID string) {
	h.mutex.Lock()
	h.connected[deviceID]++
	h.mutex.Unlock()
	h.metrics.DeviceConnected(1)
}

// Disconnected unregisters a connection of a device
func (h *Hub) Disconnected(deviceID string) {
	h.mutex.Lock()
	if h.connected[deviceID] <= 1 {
		delete(h.connected, deviceID)
	} else {
		h.connected[deviceID]--
	}
	h.mutex.Unlock()
	h.metrics.DeviceConnected(-1)
}

// IsConnected returns true if the device has a connection
func (h *Hub) IsConnected(deviceID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.connected[deviceID] > 0
}

// MaySubscribe returns true if a device may subscribe to a topic filter. Devices
// subscribe to their own outbound topics only.
func MaySubscribe(deviceID, filter string) bool {
	id, rest, ok := splitTopic(filter)
	if !ok || id != deviceID {
		return false
	}
	switch rest {
	case TopicTwinDesired, TopicCommands, TopicMethods + "#", TopicMethods + "+/+":
		return true
	}
	if strings.HasPrefix(rest, TopicMethods) && !strings.HasPrefix(rest, TopicMethodResponse) {
		name := strings.TrimPrefix(rest, TopicMethods)
		return !strings.ContainsAny(name, "#")
	}
	return false
}

// MayPublish returns true if a device may publish to a topic
func MayPublish(deviceID, topic string) bool {
	id, rest, ok := splitTopic(topic)
	if !ok || id != deviceID || strings.ContainsAny(topic, "+#") {
		return false
	}
	switch rest {
	case TopicTelemetry, TopicTwinReported, TopicTwinGet, TopicCommandFeedback:
		return true
	}
	return strings.HasPrefix(rest, TopicMethodResponse) && len(rest) > len(TopicMethodResponse)
}

// HandleMessage processes a message a device published. It returns an error for
// messages which are not accepted.
func (h *Hub) HandleMessage(ctx context.Context, deviceID, topic string, payload []byte) error {
	if !MayPublish(deviceID, topic) {
		return fmt.Errorf("%s may not publish to %s", deviceID, topic)
	}
	_, rest, _ := splitTopic(topic)
	switch {
	case rest == TopicTelemetry:
		if h.telemetry == nil {
			return nil
		}
		return h.telemetry.Ingest(ctx, deviceID, payload)
	case rest == TopicTwinReported:
		var patch twin.Properties
		if err := json.Unmarshal(payload, &patch); err != nil || patch == nil {
			return fmt.Errorf("reported properties of %s are not a JSON object", deviceID)
		}
		_, err := h.devices.ApplyReported(ctx, deviceID, patch)
		return err
	case rest == TopicTwinGet:
		t, _, err := h.devices.GetTwin(ctx, deviceID)
		if err != nil {
			return err
		}
		desired := t.Desired
		if desired == nil {
			desired = twin.Properties{}
		}
		body, err := json.Marshal(desired)
		if err != nil {
			return err
		}
		h.publisher.Publish(DeviceTopic(deviceID, TopicTwinDesired), body, qos1)
		return nil
	case rest == TopicCommandFeedback:
		var feedback CommandFeedback
		if err := json.Unmarshal(payload, &feedback); err != nil || feedback.MessageID == "" {
			return fmt.Errorf("invalid command feedback from %s", deviceID)
		}
		if feedback.Result == "" {
			feedback.Result = devices.ResultSuccess
		}
		return h.devices.UpdateCommandResult(ctx, deviceID, feedback.MessageID, feedback.Result, feedback.ErrorMessage)
	default:
		return h.methodResponse(deviceID, strings.TrimPrefix(rest, TopicMethodResponse), payload)
	}
}

func pendingKey(deviceID, requestID string) string {
	return deviceID + "/" + requestID
}

func (h *Hub) methodResponse(deviceID, requestID string, payload []byte) error {
	var response devices.MethodResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return fmt.Errorf("invalid method response from %s", deviceID)
	}
	h.mutex.Lock()
	ch, ok := h.pending[pendingKey(deviceID, requestID)]
	delete(h.pending, pendingKey(deviceID, requestID))
	h.mutex.Unlock()
	if !ok {
		return fmt.Errorf("no pending method request %s for %s", requestID, deviceID)
	}
	ch <- response
	return nil
}

// SendCommand implements devices.Messenger
func (h *Hub) SendCommand(ctx context.Context, deviceID string, message devices.CommandMessage) error {
	if !h.IsConnected(deviceID) {
		return fmt.Errorf("%w: %s", devices.ErrOffline, deviceID)
	}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.publisher.Publish(DeviceTopic(deviceID, TopicCommands), body, qos1)
	return nil
}

// PublishDesired implements devices.Messenger. Disconnected devices fetch their desired
// properties with twin/get.
func (h *Hub) PublishDesired(ctx context.Context, deviceID string, patch twin.Properties) error {
	if !h.IsConnected(deviceID) {
		return nil
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	h.publisher.Publish(DeviceTopic(deviceID, TopicTwinDesired), body, qos1)
	return nil
}

// InvokeMethod implements devices.Messenger. It publishes the request on
// methods/{name}/{request_id} and waits for the response on methods/res/{request_id}.
func (h *Hub) InvokeMethod(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (*devices.MethodResponse, error) {
	if !h.IsConnected(deviceID) {
		return nil, fmt.Errorf("%w: %s", devices.ErrOffline, deviceID)
	}
	if strings.ContainsAny(method, "/+#") {
		return nil, fmt.Errorf("%w: invalid method name %s", devices.ErrInvalid, method)
	}
	requestID := uuid.New().String()
	key := pendingKey(deviceID, requestID)
	ch := make(chan devices.MethodResponse, 1)
	h.mutex.Lock()
	h.pending[key] = ch
	h.mutex.Unlock()
	defer func() {
		h.mutex.Lock()
		delete(h.pending, key)
		h.mutex.Unlock()
	}()

	h.publisher.Publish(DeviceTopic(deviceID, TopicMethods+method+"/"+requestID), payload, qos0)
	logger.FromContext(ctx).Debugf("invoked method %s on %s, request %s", method, deviceID, requestID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response := <-ch:
		return &response, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: method %s on %s", devices.ErrTimeout, method, deviceID)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: method %s on %s", devices.ErrTimeout, method, deviceID)
		}
		return nil, ctx.Err()
	}
}
