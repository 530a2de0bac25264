package storage

import (
	"github.com/paddock-io/paddock/pkg/types"
)

// Store defines the interface for engine state persistence.
// The engine requires read-your-writes consistency from the process
// performing the write; it does not require replication or durability
// guarantees beyond what the chosen implementation provides.
type Store interface {
	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id string) error

	// Placements
	CreatePlacement(placement *types.Placement) error
	GetPlacement(workloadID string) (*types.Placement, error)
	ListPlacements() ([]*types.Placement, error)
	ListPlacementsByHost(hostID string) ([]*types.Placement, error)
	UpdatePlacement(placement *types.Placement) error
	DeletePlacement(workloadID string) error

	// Migrations
	CreateMigration(migration *types.Migration) error
	GetMigration(id string) (*types.Migration, error)
	ListMigrations() ([]*types.Migration, error)
	ListMigrationsByWorkload(workloadID string) ([]*types.Migration, error)
	UpdateMigration(migration *types.Migration) error
	DeleteMigration(id string) error

	// Utility
	Close() error
}
