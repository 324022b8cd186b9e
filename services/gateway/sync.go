package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"nixfleet/pkg/fleetcfg"
)

// SyncFleetConfig upserts the configured environments, repositories, and
// hosts into the store so read models can join against them. Hosts removed
// from configuration are left in place; their rows simply stop being
// referenced. Host identity is keyed by hostname, so environment and flake
// reassignment updates the existing row.
func (a *API) SyncFleetConfig(ctx context.Context, snap *fleetcfg.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}

	orm := a.store.ORM.WithContext(ctx)
	now := time.Now().UTC()

	for _, env := range snap.Environments {
		model := environmentModel{
			ID:              uuid.New(),
			Name:            env.Name,
			RiskProfile:     env.RiskProfile,
			ComplianceLevel: int(env.ComplianceLevel),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		err := orm.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"risk_profile", "compliance_level", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return err
		}
	}

	for _, repo := range snap.Repositories {
		model := repositoryModel{
			ID:               uuid.New(),
			Name:             repo.Name,
			URL:              repo.URL,
			AutoPoll:         repo.AutoPoll,
			PollIntervalSecs: int(repo.PollInterval.Seconds()),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err := orm.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"url", "auto_poll", "poll_interval_secs", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return err
		}
	}

	for _, host := range snap.Hosts {
		model := hostModel{
			ID:          uuid.New(),
			Hostname:    host.Hostname,
			PublicKey:   host.PublicKey,
			Environment: host.Environment,
			Flake:       host.Flake,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := orm.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hostname"}},
			DoUpdates: clause.AssignmentColumns([]string{"public_key", "environment", "flake", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return err
		}
	}

	return nil
}
