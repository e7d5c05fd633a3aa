package actions

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/blobstore"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mutex    sync.Mutex
	lookups  int
	messages []*sqs.SendMessageInput
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.lookups++
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/" + aws.ToString(params.QueueName))}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.messages = append(f.messages, params)
	return &sqs.SendMessageOutput{}, nil
}

func newBlobs(t *testing.T) blobstore.Driver {
	blobs, err := blobstore.NewLocalFilesystem(nil, t.TempDir(), url.URL{Scheme: "http", Host: "localhost"}, nil)
	require.NoError(t, err)
	return blobs
}

func TestMappings(t *testing.T) {
	ctx := context.Background()
	ruleLogic := rules.New(&rules.Builder{Table: tablestore.NewMemory(rules.TableName)})
	_, err := ruleLogic.BootstrapDefaultRules(ctx, []string{"dev-1", "dev-2"})
	require.NoError(t, err)

	l := New(&Builder{Table: tablestore.NewMemory(TableName), Blobs: newBlobs(t), Rules: ruleLogic})
	require.NoError(t, l.EnsureDefaultActions(ctx))
	require.NoError(t, l.EnsureDefaultActions(ctx))
	actions, err := l.GetAllActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	mappings, err := l.GetAllMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, mappings)

	_, err = l.SaveMapping(ctx, ActionMapping{RuleOutput: rules.RuleOutputAlarmTemp, ActionID: ActionRaiseAlarm})
	require.NoError(t, err)
	mappings, err = l.SaveMapping(ctx, ActionMapping{RuleOutput: rules.RuleOutputAlarmTemp, ActionID: ActionSendMessage})
	require.NoError(t, err)
	assert.Equal(t, []ActionMapping{{RuleOutput: rules.RuleOutputAlarmTemp, ActionID: ActionSendMessage}}, mappings)

	_, err = l.SaveMapping(ctx, ActionMapping{RuleOutput: rules.RuleOutputAlarmHumidity, ActionID: "unknown"})
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = l.SaveMapping(ctx, ActionMapping{ActionID: ActionSendMessage})
	assert.True(t, errors.Is(err, ErrInvalid))

	actionID, err := l.GetActionIDForRuleOutput(ctx, rules.RuleOutputAlarmTemp)
	require.NoError(t, err)
	assert.Equal(t, ActionSendMessage, actionID)
	actionID, err = l.GetActionIDForRuleOutput(ctx, rules.RuleOutputAlarmHumidity)
	require.NoError(t, err)
	assert.Empty(t, actionID)

	extended, err := l.GetMappingsExtended(ctx)
	require.NoError(t, err)
	require.Len(t, extended, 2)
	assert.Equal(t, ActionSendMessage, extended[0].ActionID)
	assert.Equal(t, 2, extended[0].NumberOfDevices)
	assert.Empty(t, extended[1].ActionID)

	mappings, err = l.SaveMapping(ctx, ActionMapping{RuleOutput: rules.RuleOutputAlarmTemp})
	require.NoError(t, err)
	assert.Empty(t, mappings, "an empty action id removes the mapping")
}

func TestConcurrentMappings(t *testing.T) {
	ctx := context.Background()
	l := New(&Builder{Table: tablestore.NewMemory(TableName), Blobs: newBlobs(t)})
	require.NoError(t, l.EnsureDefaultActions(ctx))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, output := range rules.RuleOutputs {
		wg.Add(1)
		go func(output string) {
			defer wg.Done()
			_, err := l.SaveMapping(ctx, ActionMapping{RuleOutput: output, ActionID: ActionRaiseAlarm})
			errs <- err
		}(output)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	mappings, err := l.GetAllMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, mappings, 2, "no mapping is lost")
}

func TestExecuteActions(t *testing.T) {
	ctx := context.Background()

	var (
		mutex    sync.Mutex
		received []Payload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		if err := json.Unmarshal(body, &p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mutex.Lock()
		received = append(received, p)
		mutex.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sqsClient := &fakeSQS{}
	l := New(&Builder{
		Table: tablestore.NewMemory(TableName),
		Blobs: newBlobs(t),
		Senders: map[string]Sender{
			KindHTTP: NewHTTPSender(5 * time.Second),
			KindSQS:  NewSQSSender(sqsClient),
		},
	})
	_, err := l.SaveAction(ctx, Action{ActionID: "webhook", Kind: KindHTTP, Target: server.URL})
	require.NoError(t, err)
	_, err = l.SaveAction(ctx, Action{ActionID: "queue", Kind: KindSQS, Target: "alerts"})
	require.NoError(t, err)
	_, err = l.SaveAction(ctx, Action{ActionID: "broken", Kind: KindHTTP})
	assert.True(t, errors.Is(err, ErrInvalid), "http actions need a target")
	_, err = l.SaveAction(ctx, Action{ActionID: "webhook", Kind: KindHTTP, Target: server.URL})
	assert.True(t, errors.Is(err, tablestore.ErrConflict), "updates need the etag")

	queue := jobs.NewMemory(2)
	l.HandleJobs(queue)
	payload := Payload{DeviceID: "dev-1", MeasurementName: "Temperature", MeasuredValue: 39.5, RuleOutput: rules.RuleOutputAlarmTemp}
	require.NoError(t, l.QueueAction(ctx, queue, "webhook", payload))
	require.NoError(t, l.QueueAction(ctx, queue, "queue", payload))
	require.NoError(t, l.QueueAction(ctx, queue, "queue", payload))
	require.NoError(t, l.QueueAction(ctx, queue, "removed", payload))
	queue.ProcessJobsSync(10 * time.Second)

	mutex.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "dev-1", received[0].DeviceID)
	assert.Equal(t, 39.5, received[0].MeasuredValue)
	assert.False(t, received[0].Timestamp.IsZero())
	mutex.Unlock()

	assert.Len(t, sqsClient.messages, 2)
	assert.Equal(t, 1, sqsClient.lookups, "queue urls are cached")
	assert.Equal(t, "https://sqs.local/alerts", aws.ToString(sqsClient.messages[0].QueueUrl))

	health, err := queue.Health(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, health.Jobs.Failing)
}

func TestExecuteActionFailure(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	l := New(&Builder{
		Table:   tablestore.NewMemory(TableName),
		Blobs:   newBlobs(t),
		Senders: map[string]Sender{KindHTTP: NewHTTPSender(5 * time.Second)},
	})
	_, err := l.SaveAction(ctx, Action{ActionID: "webhook", Kind: KindHTTP, Target: server.URL})
	require.NoError(t, err)
	err = l.ExecuteAction(ctx, "webhook", Payload{DeviceID: "dev-1"})
	assert.Error(t, err)
	assert.NoError(t, l.ExecuteAction(ctx, "unknown", Payload{DeviceID: "dev-1"}), "alerts for removed actions are dropped")
}
