// ingestlambda ingests device telemetry forwarded to an SQS queue.
//
// Every message body is the telemetry of one device, the device id is the
// message attribute deviceId. Raised alerts are queued in the shared job queue
// and delivered by the portal.
package main

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joeshaw/envdecode"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/iot/telemetry"
	"github.com/relabs-tech/devicemanager/portal/service"
)

// DeviceIDAttribute is the message attribute which carries the device id
const DeviceIDAttribute = "deviceId"

type ingester interface {
	Ingest(ctx context.Context, deviceID string, payload []byte) ([]telemetry.AlertHistoryItem, error)
}

// handler ingests a batch of messages. Messages which can never be ingested are
// dropped, all others are reported as batch item failures and redelivered.
func handler(t ingester) func(context.Context, events.SQSEvent) (events.SQSEventResponse, error) {
	return func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		response := events.SQSEventResponse{}
		for _, message := range event.Records {
			rlog := logger.FromContext(ctx).WithField("message", message.MessageId)
			attribute, ok := message.MessageAttributes[DeviceIDAttribute]
			if !ok || attribute.StringValue == nil || *attribute.StringValue == "" {
				rlog.Errorln("dropped telemetry without device id")
				continue
			}
			deviceID := *attribute.StringValue
			alerts, err := t.Ingest(ctx, deviceID, []byte(message.Body))
			switch {
			case errors.Is(err, telemetry.ErrInvalid), errors.Is(err, telemetry.ErrUnknownDevice):
				rlog.WithError(err).Warnln("dropped telemetry of", deviceID)
			case err != nil:
				rlog.WithError(err).Errorln("cannot ingest telemetry of", deviceID)
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: message.MessageId})
			case len(alerts) > 0:
				rlog.Infof("%s raised %d alerts", deviceID, len(alerts))
			}
		}
		return response, nil
	}
}

func main() {
	config := service.Config{}
	if err := envdecode.Decode(&config); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(config.LogLevel))
	if config.Postgres == "" {
		panic("ingestlambda requires POSTGRES")
	}
	config.MQTTEnabled = false

	s, err := service.New(context.Background(), config)
	if err != nil {
		panic(err)
	}
	defer s.Close()

	lambda.Start(handler(s.Telemetry))
}
