package blobstore

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// s3Notification is the body of a bucket notification delivered through SQS
type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
				ETag string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// parseS3Notification converts a bucket notification into upload events
func parseS3Notification(body string) []FileUpdatedEvent {
	var n s3Notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil
	}
	var events []FileUpdatedEvent
	for _, r := range n.Records {
		if !strings.HasPrefix(r.EventName, "ObjectCreated:") {
			continue
		}
		// keys in notifications are url encoded, with + for spaces
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		events = append(events, FileUpdatedEvent{
			Type:  "uploaded",
			Key:   key,
			Size:  r.S3.Object.Size,
			Etags: r.S3.Object.ETag,
		})
	}
	return events
}

func (s *S3) listen(ctx context.Context) {
	rlog := logger.Default().WithField("queue", s.queue)
	client := sqs.NewFromConfig(s.config)

	queueURL, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(s.queue)})
	if err != nil {
		rlog.WithError(err).Errorln("Error 1210: cannot resolve notification queue")
		return
	}
	rlog.Infoln("listening for S3 upload notifications")

	for ctx.Err() == nil {
		out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            queueURL.QueueUrl,
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rlog.WithError(err).Errorln("Error 1211: cannot receive notifications")
			time.Sleep(5 * time.Second)
			continue
		}
		for _, msg := range out.Messages {
			failed := false
			for _, event := range parseS3Notification(aws.ToString(msg.Body)) {
				if err := s.notify(event); err != nil {
					rlog.WithError(err).Errorf("upload callback failed for %s", event.Key)
					failed = true
				}
			}
			if failed {
				// leave it in the queue, it becomes visible again for a retry
				continue
			}
			_, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      queueURL.QueueUrl,
				ReceiptHandle: msg.ReceiptHandle,
			})
			if err != nil {
				rlog.WithError(err).Errorln("Error 1212: cannot delete notification")
			}
		}
	}
}
