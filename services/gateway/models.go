package gateway

import (
	"time"

	"github.com/google/uuid"
)

type hostModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Hostname    string    `gorm:"type:text;uniqueIndex;not null"`
	PublicKey   string    `gorm:"type:text;not null"`
	Environment string    `gorm:"type:text;not null"`
	Flake       string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (hostModel) TableName() string { return "hosts" }

func (m hostModel) toAPI() Host {
	return Host{
		ID:          m.ID,
		Hostname:    m.Hostname,
		PublicKey:   m.PublicKey,
		Environment: m.Environment,
		Flake:       m.Flake,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

type environmentModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name            string    `gorm:"type:text;uniqueIndex;not null"`
	RiskProfile     string    `gorm:"type:text"`
	ComplianceLevel int       `gorm:"type:int;not null;default:0"`
	CreatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (environmentModel) TableName() string { return "environments" }

type repositoryModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"type:text;uniqueIndex;not null"`
	URL              string    `gorm:"type:text;not null"`
	AutoPoll         bool      `gorm:"type:boolean;not null;default:false"`
	PollIntervalSecs int       `gorm:"type:int;not null;default:300"`
	CreatedAt        time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (repositoryModel) TableName() string { return "repositories" }

type stateEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	HostID     uuid.UUID `gorm:"type:uuid;not null"`
	Kind       string    `gorm:"type:text;not null"`
	ArtifactID string    `gorm:"type:text;not null"`
	ObservedAt time.Time `gorm:"type:timestamptz;not null"`
	ReceivedAt time.Time `gorm:"type:timestamptz;not null"`
	OutOfOrder bool      `gorm:"type:boolean;not null;default:false"`
}

func (stateEventModel) TableName() string { return "state_events" }

func (m stateEventModel) toAPI() StateEvent {
	return StateEvent{
		ID:         m.ID,
		HostID:     m.HostID,
		Kind:       m.Kind,
		ArtifactID: m.ArtifactID,
		ObservedAt: m.ObservedAt,
		ReceivedAt: m.ReceivedAt,
		OutOfOrder: m.OutOfOrder,
	}
}
