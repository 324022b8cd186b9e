package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"nixfleet/pkg/bus"
	"nixfleet/pkg/db"
)

const (
	auditActor  = "agent"
	auditAction = "state_reported"
)

type eventsReceivedEvent struct {
	HostID      uuid.UUID `json:"host_id"`
	Hostname    string    `json:"hostname"`
	Environment string    `json:"environment"`
	Accepted    int       `json:"accepted"`
	Duplicates  int       `json:"duplicates"`
	Flagged     int       `json:"flagged"`
}

// AuditIngestor consumes the events-received topic and appends audit rows
// describing what each host reported.
type AuditIngestor struct {
	pool *pgxpool.Pool
	bus  *bus.Bus

	subMu sync.Mutex
	sub   io.Closer
}

// NewAuditIngestor constructs an AuditIngestor for the provided dependencies.
func NewAuditIngestor(pool *pgxpool.Pool, bus *bus.Bus) (*AuditIngestor, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}

	return &AuditIngestor{pool: pool, bus: bus}, nil
}

// Start subscribes to received-events notifications and processes them until
// ctx is cancelled.
func (i *AuditIngestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sub, err := i.bus.Subscribe(ctx, eventsReceivedTopic, "gateway-audit", i.handleReceived)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (i *AuditIngestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

func (i *AuditIngestor) handleReceived(ctx context.Context, data []byte) error {
	var evt eventsReceivedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.HostID == uuid.Nil {
		return errors.New("host_id missing from event")
	}
	if evt.Accepted == 0 && evt.Flagged == 0 {
		// Pure duplicate batches leave no audit trail.
		return nil
	}

	details, err := json.Marshal(map[string]any{
		"environment": evt.Environment,
		"accepted":    evt.Accepted,
		"duplicates":  evt.Duplicates,
		"flagged":     evt.Flagged,
	})
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, i.pool, `
        INSERT INTO audit (actor, action, obj, details)
        VALUES ($1, $2, $3, $4::jsonb)`,
		auditActor, auditAction, evt.Hostname, string(details))
	return err
}
