package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-playground/validator/v10"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/segmentio/kafka-go"
)

var validate = validator.New()

// DefaultHTTPTimeout is the client timeout of http actions
const DefaultHTTPTimeout = 10 * time.Second

// HTTPSender posts payloads to a URL
type HTTPSender struct {
	Client *http.Client
}

// NewHTTPSender returns a sender with a client timeout
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{Client: &http.Client{Timeout: timeout}}
}

// Send implements Sender
func (s *HTTPSender) Send(ctx context.Context, target, key string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set(logger.RequestIDHeader, requestID)
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%s answered with status %d", target, res.StatusCode)
	}
	return nil
}

// SQSAPI is the part of the SQS client the sender uses
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSender sends payloads to an SQS queue. The target is a queue URL or a queue name.
type SQSSender struct {
	client SQSAPI

	mutex     sync.Mutex
	queueURLs map[string]string
}

// NewSQSSender returns a sender using client
func NewSQSSender(client SQSAPI) *SQSSender {
	return &SQSSender{client: client, queueURLs: map[string]string{}}
}

// NewSQSSenderFromConfig returns a sender with a client for config
func NewSQSSenderFromConfig(config aws.Config) *SQSSender {
	return NewSQSSender(sqs.NewFromConfig(config))
}

func (s *SQSSender) queueURL(ctx context.Context, target string) (string, error) {
	if strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "http://") {
		return target, nil
	}
	s.mutex.Lock()
	url, ok := s.queueURLs[target]
	s.mutex.Unlock()
	if ok {
		return url, nil
	}
	out, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(target)})
	if err != nil {
		return "", fmt.Errorf("cannot resolve queue %s: %w", target, err)
	}
	url = aws.ToString(out.QueueUrl)
	s.mutex.Lock()
	s.queueURLs[target] = url
	s.mutex.Unlock()
	return url, nil
}

// Send implements Sender
func (s *SQSSender) Send(ctx context.Context, target, key string, body []byte) error {
	url, err := s.queueURL(ctx, target)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	return err
}

// KafkaSender writes payloads to a Kafka topic, keyed by device id
type KafkaSender struct {
	brokers []string

	mutex   sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaSender returns a sender for the given brokers
func NewKafkaSender(brokers []string) *KafkaSender {
	return &KafkaSender{brokers: brokers, writers: map[string]*kafka.Writer{}}
}

func (s *KafkaSender) writer(topic string) *kafka.Writer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	w, ok := s.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(s.brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
		s.writers[topic] = w
	}
	return w
}

// Send implements Sender
func (s *KafkaSender) Send(ctx context.Context, target, key string, body []byte) error {
	return s.writer(target).WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body})
}

// Close closes all writers
func (s *KafkaSender) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var firstErr error
	for topic, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.writers, topic)
	}
	return firstErr
}
