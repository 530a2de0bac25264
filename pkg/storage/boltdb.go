package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/paddock-io/paddock/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketHosts      = []byte("hosts")
	bucketPlacements = []byte("placements")
	bucketMigrations = []byte("migrations")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "paddock.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketHosts,
			bucketPlacements,
			bucketMigrations,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Host operations
func (s *BoltStore) CreateHost(host *types.Host) error {
	return s.put(bucketHosts, host.ID, host)
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var host types.Host
	if err := s.get(bucketHosts, id, &host, types.ErrHostNotFound); err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) UpdateHost(host *types.Host) error {
	return s.CreateHost(host) // Same as create (upsert)
}

func (s *BoltStore) DeleteHost(id string) error {
	return s.delete(bucketHosts, id)
}

// Placement operations
func (s *BoltStore) CreatePlacement(placement *types.Placement) error {
	return s.put(bucketPlacements, placement.WorkloadID, placement)
}

func (s *BoltStore) GetPlacement(workloadID string) (*types.Placement, error) {
	var placement types.Placement
	if err := s.get(bucketPlacements, workloadID, &placement, types.ErrWorkloadNotFound); err != nil {
		return nil, err
	}
	return &placement, nil
}

func (s *BoltStore) ListPlacements() ([]*types.Placement, error) {
	var placements []*types.Placement
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlacements)
		return b.ForEach(func(k, v []byte) error {
			var placement types.Placement
			if err := json.Unmarshal(v, &placement); err != nil {
				return err
			}
			placements = append(placements, &placement)
			return nil
		})
	})
	return placements, err
}

func (s *BoltStore) ListPlacementsByHost(hostID string) ([]*types.Placement, error) {
	all, err := s.ListPlacements()
	if err != nil {
		return nil, err
	}
	var placements []*types.Placement
	for _, p := range all {
		if p.HostID == hostID {
			placements = append(placements, p)
		}
	}
	return placements, nil
}

func (s *BoltStore) UpdatePlacement(placement *types.Placement) error {
	return s.CreatePlacement(placement)
}

func (s *BoltStore) DeletePlacement(workloadID string) error {
	return s.delete(bucketPlacements, workloadID)
}

// Migration operations
func (s *BoltStore) CreateMigration(migration *types.Migration) error {
	return s.put(bucketMigrations, migration.ID, migration)
}

func (s *BoltStore) GetMigration(id string) (*types.Migration, error) {
	var migration types.Migration
	if err := s.get(bucketMigrations, id, &migration, types.ErrMigrationNotFound); err != nil {
		return nil, err
	}
	return &migration, nil
}

func (s *BoltStore) ListMigrations() ([]*types.Migration, error) {
	var migrations []*types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.ForEach(func(k, v []byte) error {
			var migration types.Migration
			if err := json.Unmarshal(v, &migration); err != nil {
				return err
			}
			migrations = append(migrations, &migration)
			return nil
		})
	})
	return migrations, err
}

func (s *BoltStore) ListMigrationsByWorkload(workloadID string) ([]*types.Migration, error) {
	all, err := s.ListMigrations()
	if err != nil {
		return nil, err
	}
	var migrations []*types.Migration
	for _, m := range all {
		if m.WorkloadID == workloadID {
			migrations = append(migrations, m)
		}
	}
	return migrations, nil
}

func (s *BoltStore) UpdateMigration(migration *types.Migration) error {
	return s.CreateMigration(migration)
}

func (s *BoltStore) DeleteMigration(id string) error {
	return s.delete(bucketMigrations, id)
}

// put marshals v and stores it under key in bucket
func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// get unmarshals the value under key in bucket into v, returning
// notFound when the key is absent
func (s *BoltStore) get(bucket []byte, key string, v interface{}, notFound error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", notFound, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
