/*Package actions maps rule outputs to actions and executes them.

Actions are endpoints which receive alerts: an HTTP URL, an SQS queue or a
Kafka topic. The mapping from rule outputs to actions is a single JSON blob
updated with optimistic concurrency on its ETag. Alerts are delivered out of
band through the job queue, so failed deliveries are retried.
*/
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/blobstore"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/schema"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/rules"
)

// TableName is the name of the action table
const TableName = "actions"

// MappingsKey is the blob key of the action mappings
const MappingsKey = "actionmappings.json"

// EventExecuteAction is the job event which delivers an alert to an action
const EventExecuteAction = "execute-action"

const partitionKey = "actions"

// The kinds of action endpoints
const (
	KindLog   = "log"
	KindHTTP  = "http"
	KindSQS   = "sqs"
	KindKafka = "kafka"
)

// The default actions
const (
	ActionSendMessage = "Send Message"
	ActionRaiseAlarm  = "Raise Alarm"
)

var (
	// ErrNotFound is returned for unknown actions
	ErrNotFound = errors.New("action not found")
	// ErrInvalid is returned for invalid actions and mappings
	ErrInvalid = errors.New("invalid action")
	// ErrConflict is returned when the mappings were modified too often concurrently
	ErrConflict = errors.New("action mappings were modified")
)

// Action is an endpoint alerts are delivered to. Target is the URL for http, the
// queue name or URL for sqs and the topic for kafka.
type Action struct {
	ActionID    string `json:"actionId" validate:"required,max=128"`
	Kind        string `json:"kind" validate:"required,oneof=log http sqs kafka"`
	Target      string `json:"target" validate:"required_unless=Kind log,max=2048"`
	Description string `json:"description,omitempty" validate:"max=1024"`
	ETag        string `json:"etag,omitempty"`
}

// ActionMapping maps a rule output to an action
type ActionMapping struct {
	RuleOutput string `json:"ruleOutput" validate:"required"`
	ActionID   string `json:"actionId"`
}

// ActionMappingExtended is a mapping with the number of devices whose rules use the
// rule output
type ActionMappingExtended struct {
	ActionMapping
	NumberOfDevices int `json:"numberOfDevices"`
}

// Payload is the message delivered to an action
type Payload struct {
	DeviceID        string    `json:"deviceId"`
	MeasurementName string    `json:"measurementName"`
	MeasuredValue   float64   `json:"measuredValue"`
	RuleOutput      string    `json:"ruleOutput,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Request is the payload of an execute-action job
type Request struct {
	ActionID string  `json:"actionId"`
	Payload  Payload `json:"payload"`
}

// Sender delivers a payload to an action target
type Sender interface {
	Send(ctx context.Context, target, key string, body []byte) error
}

// Builder is a builder helper for the action logic
type Builder struct {
	// Table holds the actions. This is mandatory.
	Table tablestore.Table
	// Blobs holds the mappings. This is mandatory.
	Blobs blobstore.Driver
	// Rules counts the devices per rule output
	Rules *rules.Logic
	// Senders deliver payloads per action kind. Actions of kinds without sender
	// are only logged.
	Senders map[string]Sender
	// Validator validates the mappings, defaults to the built-in schemas
	Validator *schema.Validator
}

// Logic implements the action operations
type Logic struct {
	table     tablestore.Table
	blobs     blobstore.Driver
	rules     *rules.Logic
	senders   map[string]Sender
	validator *schema.Validator
}

// New creates the action logic
func New(b *Builder) *Logic {
	if b.Table == nil {
		panic("Table is missing")
	}
	if b.Blobs == nil {
		panic("Blobs is missing")
	}
	l := &Logic{
		table:     b.Table,
		blobs:     b.Blobs,
		rules:     b.Rules,
		senders:   map[string]Sender{},
		validator: b.Validator,
	}
	for kind, sender := range b.Senders {
		l.senders[kind] = sender
	}
	if l.validator == nil {
		l.validator = schema.Builtin()
	}
	return l
}

// HandleJobs installs the execute-action job handler
func (l *Logic) HandleJobs(queue jobs.Queue) {
	queue.HandleEvent(EventExecuteAction, func(ctx context.Context, event jobs.Event) error {
		var request Request
		if err := json.Unmarshal(event.Payload, &request); err != nil {
			// malformed jobs never succeed, do not retry them
			logger.FromContext(ctx).WithError(err).Errorln("Error 4301: invalid execute-action payload")
			return nil
		}
		return l.ExecuteAction(ctx, request.ActionID, request.Payload)
	})
}

// QueueAction queues the delivery of payload to an action
func (l *Logic) QueueAction(ctx context.Context, queue jobs.Queue, actionID string, payload Payload) error {
	return queue.QueueEvent(ctx, jobs.Event{
		Type:       EventExecuteAction,
		Key:        payload.RuleOutput,
		Resource:   "device",
		ResourceID: payload.DeviceID,
	}.WithPayload(Request{ActionID: actionID, Payload: payload}))
}

// EnsureDefaultActions adds the default actions if they do not exist
func (l *Logic) EnsureDefaultActions(ctx context.Context) error {
	for _, action := range []Action{
		{ActionID: ActionSendMessage, Kind: KindLog, Description: "Sends a message to the operators"},
		{ActionID: ActionRaiseAlarm, Kind: KindLog, Description: "Raises an alarm"},
	} {
		entity, err := tablestore.NewEntity(partitionKey, action.ActionID, action)
		if err != nil {
			return err
		}
		if _, err := l.table.Insert(ctx, entity); err != nil && !errors.Is(err, tablestore.ErrDuplicate) {
			return err
		}
	}
	return nil
}

// GetAllActions returns all actions ordered by id
func (l *Logic) GetAllActions(ctx context.Context) ([]Action, error) {
	entities, err := l.table.Query(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	actions := make([]Action, 0, len(entities))
	for _, e := range entities {
		var action Action
		if err := e.Decode(&action); err != nil {
			return nil, err
		}
		action.ETag = e.ETag
		actions = append(actions, action)
	}
	return actions, nil
}

// GetAction returns an action by id
func (l *Logic) GetAction(ctx context.Context, actionID string) (*Action, error) {
	entity, err := l.table.Get(ctx, partitionKey, actionID)
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, actionID)
	}
	if err != nil {
		return nil, err
	}
	action := &Action{}
	if err := entity.Decode(action); err != nil {
		return nil, err
	}
	action.ETag = entity.ETag
	return action, nil
}

// SaveAction creates or updates an action. Updates of existing actions must
// present the action's ETag, on conflicts the stored action is returned with
// tablestore.ErrConflict.
func (l *Logic) SaveAction(ctx context.Context, action Action) (*Action, error) {
	if err := validate.Struct(action); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	entity, err := tablestore.NewEntity(partitionKey, action.ActionID, action)
	if err != nil {
		return nil, err
	}
	entity.ETag = action.ETag
	response := tablestore.DoInsertOrReplace(ctx, l.table, entity)
	switch response.Status {
	case tablestore.Successful:
		action.ETag = response.Entity.ETag
		return &action, nil
	case tablestore.ConflictError, tablestore.DuplicateInsert:
		var current *Action
		if response.Entity != nil {
			current = &Action{}
			if err := response.Entity.Decode(current); err != nil {
				return nil, err
			}
			current.ETag = response.Entity.ETag
		}
		return current, fmt.Errorf("%s: %w", action.ActionID, tablestore.ErrConflict)
	}
	return nil, response.Err
}

// readMappings returns the mappings and the blob's etag, empty if there is no blob
func (l *Logic) readMappings(ctx context.Context) ([]ActionMapping, string, error) {
	blob, err := l.blobs.Download(ctx, MappingsKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return []ActionMapping{}, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	mappings := []ActionMapping{}
	if len(blob.Data) > 0 {
		if err := json.Unmarshal(blob.Data, &mappings); err != nil {
			return nil, "", fmt.Errorf("cannot parse %s: %w", MappingsKey, err)
		}
	}
	return mappings, blob.ETag, nil
}

// GetAllMappings returns all rule output mappings
func (l *Logic) GetAllMappings(ctx context.Context) ([]ActionMapping, error) {
	mappings, _, err := l.readMappings(ctx)
	return mappings, err
}

// GetMappingsExtended returns a mapping for every rule output, unmapped outputs with
// an empty action id, together with the number of devices using the output
func (l *Logic) GetMappingsExtended(ctx context.Context) ([]ActionMappingExtended, error) {
	mappings, err := l.GetAllMappings(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	if l.rules != nil {
		if counts, err = l.rules.CountDevicesPerRuleOutput(ctx); err != nil {
			return nil, err
		}
	}
	byOutput := map[string]string{}
	for _, m := range mappings {
		byOutput[m.RuleOutput] = m.ActionID
	}
	result := []ActionMappingExtended{}
	seen := map[string]bool{}
	for _, output := range l.GetAvailableRuleOutputs() {
		seen[output] = true
		result = append(result, ActionMappingExtended{
			ActionMapping:   ActionMapping{RuleOutput: output, ActionID: byOutput[output]},
			NumberOfDevices: counts[output],
		})
	}
	for _, m := range mappings {
		if !seen[m.RuleOutput] {
			result = append(result, ActionMappingExtended{ActionMapping: m, NumberOfDevices: counts[m.RuleOutput]})
		}
	}
	return result, nil
}

// SaveMapping maps a rule output to an action. An empty action id removes the mapping.
// Concurrent modifications of the mappings blob are retried.
func (l *Logic) SaveMapping(ctx context.Context, mapping ActionMapping) ([]ActionMapping, error) {
	if err := validate.Struct(mapping); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if mapping.ActionID != "" {
		if _, err := l.GetAction(ctx, mapping.ActionID); err != nil {
			return nil, err
		}
	}
	for attempt := 0; attempt < 5; attempt++ {
		mappings, etag, err := l.readMappings(ctx)
		if err != nil {
			return nil, err
		}
		updated := []ActionMapping{}
		replaced := false
		for _, m := range mappings {
			if m.RuleOutput == mapping.RuleOutput {
				replaced = true
				if mapping.ActionID == "" {
					continue
				}
				m = mapping
			}
			updated = append(updated, m)
		}
		if !replaced && mapping.ActionID != "" {
			updated = append(updated, mapping)
		}
		if err := l.validator.ValidateStruct(updated, schema.ActionMappingsSchemaID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return nil, err
		}
		_, err = l.blobs.UploadDataIfMatch(ctx, MappingsKey, data, etag)
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			logger.FromContext(ctx).Debugln("action mappings changed concurrently, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Infof("mapped rule output %s to action '%s'", mapping.RuleOutput, mapping.ActionID)
		return updated, nil
	}
	return nil, ErrConflict
}

// GetActionIDForRuleOutput returns the action mapped to a rule output, or an empty
// string if the output is not mapped
func (l *Logic) GetActionIDForRuleOutput(ctx context.Context, ruleOutput string) (string, error) {
	mappings, err := l.GetAllMappings(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range mappings {
		if m.RuleOutput == ruleOutput {
			return m.ActionID, nil
		}
	}
	return "", nil
}

// GetAvailableRuleOutputs returns the rule outputs which can be mapped
func (l *Logic) GetAvailableRuleOutputs() []string {
	return append([]string(nil), rules.RuleOutputs...)
}

// ExecuteAction delivers a payload to an action
func (l *Logic) ExecuteAction(ctx context.Context, actionID string, payload Payload) error {
	rlog := logger.FromContext(ctx).WithField("action", actionID)
	action, err := l.GetAction(ctx, actionID)
	if errors.Is(err, ErrNotFound) {
		// the action was removed after the alert was queued
		rlog.Warnln("action does not exist, alert dropped for", payload.DeviceID)
		return nil
	}
	if err != nil {
		return err
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sender, ok := l.senders[action.Kind]
	if !ok || action.Kind == KindLog {
		rlog.Infof("action %s: %s", action.Kind, string(body))
		return nil
	}
	if err := sender.Send(ctx, action.Target, payload.DeviceID, body); err != nil {
		return fmt.Errorf("cannot execute action %s: %w", actionID, err)
	}
	rlog.Infoln("executed action for", payload.DeviceID, payload.MeasurementName)
	return nil
}
