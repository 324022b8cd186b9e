package gateway

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"nixfleet/pkg/bus"
)

// Store holds external dependencies required by the gateway layer.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
	Bus *bus.Bus
}
