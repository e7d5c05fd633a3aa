/*Package identity is the device identity registry.

Every device known to the portal has an identity with a status and two
symmetric keys. The broker admits a device only if its identity exists and is
enabled. Devices authenticate either with a client certificate issued by the
portal or with one of their keys as MQTT password.
*/
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/tablestore"
)

// TableName is the name of the identity table
const TableName = "deviceidentities"

const partitionKey = "identities"

// The identity states
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

var (
	// ErrNotFound is returned for unknown device ids
	ErrNotFound = errors.New("device identity not found")
	// ErrExists is returned when adding an identity which already exists
	ErrExists = errors.New("device identity already exists")
)

// Identity is the registry entry of a device
type Identity struct {
	DeviceID     string    `json:"deviceId"`
	Status       string    `json:"status"`
	PrimaryKey   string    `json:"primaryKey"`
	SecondaryKey string    `json:"secondaryKey"`
	CreatedAt    time.Time `json:"createdAt"`
	ETag         string    `json:"-"`
}

// Enabled returns true if the device may connect
func (i Identity) Enabled() bool {
	return i.Status == StatusEnabled
}

// Keys are the symmetric keys of a device
type Keys struct {
	PrimaryKey   string `json:"primaryKey"`
	SecondaryKey string `json:"secondaryKey"`
}

// Registry manages device identities in a table
type Registry struct {
	table tablestore.Table
}

// New creates a registry on table
func New(table tablestore.Table) *Registry {
	if table == nil {
		panic("table is missing")
	}
	return &Registry{table: table}
}

// GenerateKey returns a base64 encoded random 256 bit key
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Add creates a new, enabled identity with fresh keys
func (r *Registry) Add(ctx context.Context, deviceID string) (*Identity, error) {
	primary, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	secondary, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return r.AddWithKeys(ctx, Identity{
		DeviceID:     deviceID,
		Status:       StatusEnabled,
		PrimaryKey:   primary,
		SecondaryKey: secondary,
	})
}

// AddWithKeys creates an identity with given keys and status. It is used to restore
// identities, for example when the removal of a device must be rolled back.
func (r *Registry) AddWithKeys(ctx context.Context, identity Identity) (*Identity, error) {
	if identity.Status == "" {
		identity.Status = StatusEnabled
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	entity, err := tablestore.NewEntity(partitionKey, identity.DeviceID, identity)
	if err != nil {
		return nil, err
	}
	stored, err := r.table.Insert(ctx, entity)
	if errors.Is(err, tablestore.ErrDuplicate) {
		return nil, fmt.Errorf("%w: %s", ErrExists, identity.DeviceID)
	}
	if err != nil {
		return nil, err
	}
	identity.ETag = stored.ETag
	logger.FromContext(ctx).Infoln("added device identity", identity.DeviceID)
	return &identity, nil
}

// Get returns an identity or ErrNotFound
func (r *Registry) Get(ctx context.Context, deviceID string) (*Identity, error) {
	entity, err := r.table.Get(ctx, partitionKey, deviceID)
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, err
	}
	identity := &Identity{}
	if err := entity.Decode(identity); err != nil {
		return nil, err
	}
	identity.ETag = entity.ETag
	return identity, nil
}

// List returns all identities ordered by device id
func (r *Registry) List(ctx context.Context) ([]Identity, error) {
	entities, err := r.table.Query(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	identities := make([]Identity, 0, len(entities))
	for _, entity := range entities {
		var identity Identity
		if err := entity.Decode(&identity); err != nil {
			return nil, err
		}
		identity.ETag = entity.ETag
		identities = append(identities, identity)
	}
	return identities, nil
}

// Remove deletes an identity and returns the removed identity
func (r *Registry) Remove(ctx context.Context, deviceID string) (*Identity, error) {
	identity, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	err = r.table.Delete(ctx, partitionKey, deviceID, tablestore.AnyETag)
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infoln("removed device identity", deviceID)
	return identity, nil
}

// SetStatus enables or disables a device. Concurrent modifications are retried.
func (r *Registry) SetStatus(ctx context.Context, deviceID string, enabled bool) (*Identity, error) {
	status := StatusDisabled
	if enabled {
		status = StatusEnabled
	}
	for attempt := 0; attempt < 3; attempt++ {
		identity, err := r.Get(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		identity.Status = status
		entity, err := tablestore.NewEntity(partitionKey, deviceID, identity)
		if err != nil {
			return nil, err
		}
		entity.ETag = identity.ETag
		response := tablestore.DoInsertOrReplace(ctx, r.table, entity)
		switch response.Status {
		case tablestore.Successful:
			identity.ETag = response.Entity.ETag
			return identity, nil
		case tablestore.ConflictError:
			continue
		case tablestore.NotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		default:
			return nil, response.Err
		}
	}
	return nil, fmt.Errorf("could not update status of %s: %w", deviceID, tablestore.ErrConflict)
}

// Keys returns the symmetric keys of a device
func (r *Registry) Keys(ctx context.Context, deviceID string) (*Keys, error) {
	identity, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &Keys{PrimaryKey: identity.PrimaryKey, SecondaryKey: identity.SecondaryKey}, nil
}

// Authenticate returns the identity if key is one of the device's keys and the device
// is enabled
func (r *Registry) Authenticate(ctx context.Context, deviceID, key string) (*Identity, bool) {
	identity, err := r.Get(ctx, deviceID)
	if err != nil || !identity.Enabled() || key == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(identity.PrimaryKey)) == 1 ||
		subtle.ConstantTimeCompare([]byte(key), []byte(identity.SecondaryKey)) == 1 {
		return identity, true
	}
	return nil, false
}
