package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/iot/actions"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/rules"
	"github.com/relabs-tech/devicemanager/portal/api"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
)

type PortalTestSuite struct {
	IntegrationTestSuite
}

func TestPortalTestSuite(t *testing.T) {
	suite.Run(t, &PortalTestSuite{})
}

func (s *PortalTestSuite) addDevice(deviceID string) {
	deviceType, ok := devices.GetDeviceType("cooling")
	s.Require().True(ok)
	device, err := deviceType.NewDevice(deviceID)
	s.Require().NoError(err)
	_, _, err = s.service.Devices.AddDevice(context.Background(), device)
	s.Require().NoError(err)
}

func (s *PortalTestSuite) TestDevicesArePersisted() {
	ctx := context.Background()
	deviceID := "persisted-" + uuid.New().String()[:8]
	s.addDevice(deviceID)

	_, err := s.client.RawPut(api.Prefix+"/devices/"+deviceID+"/twin/tags",
		map[string]interface{}{"building": "B43"}, nil)
	s.Require().NoError(err)

	other := s.newService()
	defer other.Close()
	device, err := other.Devices.GetDevice(ctx, deviceID)
	s.Require().NoError(err)
	s.Equal("B43", device.Twin.Tags["building"])
	s.NotEmpty(device.ETag)
}

func (s *PortalTestSuite) TestAlertDeliveredToKafka() {
	ctx := context.Background()
	topic := "alerts-" + uuid.New().String()[:8]
	s.Require().NoError(s.createTopic(topic, 1))
	defer s.deleteTopic(topic)

	deviceID := "freezer-" + uuid.New().String()[:8]
	s.addDevice(deviceID)

	_, err := s.service.Actions.SaveAction(ctx, actions.Action{ActionID: topic, Kind: actions.KindKafka, Target: topic})
	s.Require().NoError(err)
	_, err = s.service.Actions.SaveMapping(ctx, actions.ActionMapping{RuleOutput: rules.RuleOutputAlarmTemp, ActionID: topic})
	s.Require().NoError(err)
	_, err = s.service.Rules.SaveDeviceRule(ctx, rules.DeviceRule{
		DeviceID:     deviceID,
		DataField:    "Temperature",
		Operator:     rules.OperatorGreaterThan,
		Threshold:    30,
		RuleOutput:   rules.RuleOutputAlarmTemp,
		EnabledState: true,
	})
	s.Require().NoError(err)

	alerts, err := s.service.Telemetry.Ingest(ctx, deviceID, []byte(`{"Temperature":45}`))
	s.Require().NoError(err)
	s.Require().Len(alerts, 1)
	s.service.Queue.ProcessJobsSync(0)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     topic,
		Partition: 0,
		MaxBytes:  1 << 20,
	})
	defer reader.Close()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	message, err := reader.ReadMessage(readCtx)
	s.Require().NoError(err)
	s.Equal(deviceID, string(message.Key))

	var payload actions.Payload
	s.Require().NoError(json.Unmarshal(message.Value, &payload))
	s.Equal(deviceID, payload.DeviceID)
	s.Equal(rules.RuleOutputAlarmTemp, payload.RuleOutput)
	s.Equal("Temperature", payload.MeasurementName)
	s.Equal(45.0, payload.MeasuredValue)
}

func (s *PortalTestSuite) TestQueueCompressesEvents() {
	ctx := context.Background()
	eventType := uuid.New().String()

	var mutex sync.Mutex
	var received []int
	s.service.Queue.HandleEvent(eventType, func(ctx context.Context, event jobs.Event) error {
		var n int
		if err := json.Unmarshal(event.Payload, &n); err != nil {
			return err
		}
		mutex.Lock()
		received = append(received, n)
		mutex.Unlock()
		return nil
	})

	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.service.Queue.RaiseEvent(ctx, jobs.Event{Type: eventType, Key: "k"}.WithPayload(i)))
	}
	s.service.Queue.ProcessJobsSync(0)

	mutex.Lock()
	defer mutex.Unlock()
	s.Equal([]int{3}, received)
}
