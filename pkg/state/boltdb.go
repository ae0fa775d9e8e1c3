package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/josh-at-icarite/shepherd/pkg/types"
)

var bucketInstances = []byte("instances")

// BoltSnapshot implements Snapshotter using BoltDB. The snapshot is a
// convenience for restart cross-checks; the platform inventory remains the
// source of truth for what actually exists.
type BoltSnapshot struct {
	db *bolt.DB
}

// NewBoltSnapshot opens (or creates) the snapshot database under dataDir
func NewBoltSnapshot(dataDir string) (*BoltSnapshot, error) {
	dbPath := filepath.Join(dataDir, "shepherd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create instances bucket: %w", err)
	}

	return &BoltSnapshot{db: db}, nil
}

// SaveInstance upserts the instance record
func (s *BoltSnapshot) SaveInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(inst.ID), data)
	})
}

// DeleteInstance removes the instance record
func (s *BoltSnapshot) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

// LoadInstances returns all persisted instance records
func (s *BoltSnapshot) LoadInstances() ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}

// Close closes the database
func (s *BoltSnapshot) Close() error {
	return s.db.Close()
}
