package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Environment struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name            string    `gorm:"type:text;uniqueIndex;not null"`
	RiskProfile     string    `gorm:"type:text"`
	ComplianceLevel int       `gorm:"type:int;not null;default:0"`
	CreatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Host struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Hostname    string    `gorm:"type:text;uniqueIndex;not null"`
	PublicKey   string    `gorm:"type:text;not null"`
	Environment string    `gorm:"type:text;not null;index"`
	Flake       string    `gorm:"type:text;not null;index"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type StateEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	HostID     uuid.UUID `gorm:"type:uuid;not null;index:idx_state_events_host;uniqueIndex:idx_state_events_dedup"`
	Kind       string    `gorm:"type:text;not null;uniqueIndex:idx_state_events_dedup"`
	ArtifactID string    `gorm:"type:text;not null;uniqueIndex:idx_state_events_dedup"`
	ObservedAt time.Time `gorm:"type:timestamptz;not null;index:idx_state_events_host;uniqueIndex:idx_state_events_dedup"`
	ReceivedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
	OutOfOrder bool      `gorm:"type:boolean;not null;default:false"`
	Seq        int64     `gorm:"type:bigserial;autoIncrement;uniqueIndex"`
	Host       Host      `gorm:"foreignKey:HostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Repository struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"type:text;uniqueIndex;not null"`
	URL              string    `gorm:"type:text;not null"`
	AutoPoll         bool      `gorm:"type:boolean;not null;default:false"`
	PollIntervalSecs int       `gorm:"type:int;not null;default:300"`
	CreatedAt        time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Evaluation struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RepositoryID uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_eval_target"`
	CommitHash   string     `gorm:"type:text;not null;uniqueIndex:idx_eval_target"`
	CommitTime   time.Time  `gorm:"type:timestamptz;not null"`
	Environment  string     `gorm:"type:text;not null;uniqueIndex:idx_eval_target"`
	Status       string     `gorm:"type:text;not null;index"`
	AttemptCount int        `gorm:"type:int;not null;default:0"`
	NotBefore    *time.Time `gorm:"type:timestamptz"`
	ClaimToken   *uuid.UUID `gorm:"type:uuid"`
	ClaimExpires *time.Time `gorm:"type:timestamptz"`
	EnqueuedAt   time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	StartedAt    *time.Time `gorm:"type:timestamptz"`
	CompletedAt  *time.Time `gorm:"type:timestamptz"`
	DurationMS   *int64     `gorm:"type:bigint"`
	ArtifactID   *string    `gorm:"type:text"`
	LastError    string     `gorm:"type:text"`
	LogKey       string     `gorm:"type:text"`
	Repository   Repository `gorm:"foreignKey:RepositoryID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Artifact struct {
	StoreHash    string     `gorm:"type:text;primaryKey"`
	RepositoryID uuid.UUID  `gorm:"type:uuid;not null;index"`
	CommitHash   string     `gorm:"type:text;not null"`
	Environment  string     `gorm:"type:text;not null;index"`
	EvaluationID uuid.UUID  `gorm:"type:uuid;not null;index"`
	CreatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Repository   Repository `gorm:"foreignKey:RepositoryID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type ScanRun struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ArtifactHash string     `gorm:"type:text;not null;index"`
	Status       string     `gorm:"type:text;not null"`
	Attempts     int        `gorm:"type:int;not null;default:0"`
	StartedAt    time.Time  `gorm:"type:timestamptz;not null"`
	FinishedAt   *time.Time `gorm:"type:timestamptz"`
	Error        string     `gorm:"type:text"`
	Artifact     Artifact   `gorm:"foreignKey:ArtifactHash;references:StoreHash;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type VulnerabilityFinding struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ScanRunID    uuid.UUID `gorm:"type:uuid;not null;index"`
	ArtifactHash string    `gorm:"type:text;not null;index"`
	CVEID        string    `gorm:"column:cve_id;type:text;not null"`
	Severity     string    `gorm:"type:text;not null"`
	Package      string    `gorm:"type:text"`
	DiscoveredAt time.Time `gorm:"type:timestamptz;not null"`
	ScanRun      ScanRun   `gorm:"foreignKey:ScanRunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Environment{},
		&Host{},
		&StateEvent{},
		&Repository{},
		&Evaluation{},
		&Artifact{},
		&ScanRun{},
		&VulnerabilityFinding{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&StateEvent{}, "Host"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Evaluation{}, "Repository"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Artifact{}, "Repository"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&ScanRun{}, "Artifact"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&VulnerabilityFinding{}, "ScanRun"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&VulnerabilityFinding{},
		&ScanRun{},
		&Artifact{},
		&Evaluation{},
		&Repository{},
		&StateEvent{},
		&Host{},
		&Environment{},
	); err != nil {
		return err
	}

	return nil
}
