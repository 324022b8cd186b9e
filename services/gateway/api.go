package gateway

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"nixfleet/pkg/fleetcfg"
)

const (
	eventsReceivedTopic = "fleet.events.received"

	// maxClockSkew bounds how far an agent's signed timestamp may drift
	// from server time before the request is rejected.
	maxClockSkew = 5 * time.Minute

	maxBatchSize = 256
)

// Event kinds an agent may report. Unknown kinds are rejected at the
// boundary.
const (
	KindStartup      = "startup"
	KindHeartbeat    = "heartbeat"
	KindConfigChange = "config_change"
)

// ErrAuthentication covers unknown hosts and bad credentials. Requests
// failing with it are rejected, never retried server-side.
var ErrAuthentication = errors.New("authentication failed")

// ErrValidation covers malformed events; the offending event is rejected
// but the connection continues.
var ErrValidation = errors.New("event validation failed")

// Host is a managed machine as stored by the control plane.
type Host struct {
	ID          uuid.UUID `json:"id"`
	Hostname    string    `json:"hostname"`
	PublicKey   string    `json:"public_key"`
	Environment string    `json:"environment"`
	Flake       string    `json:"flake"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StateEvent is one self-reported observation of a host's running artifact.
type StateEvent struct {
	ID         uuid.UUID `json:"id"`
	HostID     uuid.UUID `json:"host_id"`
	Hostname   string    `json:"hostname,omitempty"`
	Kind       string    `json:"kind"`
	ArtifactID string    `json:"artifact_id"`
	ObservedAt time.Time `json:"observed_at"`
	ReceivedAt time.Time `json:"received_at"`
	OutOfOrder bool      `json:"out_of_order"`
}

// Config controls runtime behaviour for the gateway handlers.
type Config struct {
	Fleet *fleetcfg.Snapshot
}

// API wires dependencies and configuration for the gateway HTTP handlers.
type API struct {
	store  *Store
	config Config
}

// New initialises the gateway API layer.
func New(store *Store, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.DB == nil {
		return nil, errors.New("store DB is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if cfg.Fleet == nil {
		return nil, errors.New("fleet configuration snapshot is required")
	}

	return &API{store: store, config: cfg}, nil
}

// validKind reports whether kind is one of the three defined event kinds.
func validKind(kind string) bool {
	switch kind {
	case KindStartup, KindHeartbeat, KindConfigChange:
		return true
	default:
		return false
	}
}
