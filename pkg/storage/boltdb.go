package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents = []byte("agents")
	bucketCA     = []byte("ca")
)

// BoltAgentStore implements AgentStore on top of bbolt, following the
// teacher's one-bucket-per-entity, JSON-marshaled-value layout.
type BoltAgentStore struct {
	db *bolt.DB
}

// NewBoltAgentStore opens (creating if absent) the agents database
// under dataDir.
func NewBoltAgentStore(dataDir string) (*BoltAgentStore, error) {
	dbPath := filepath.Join(dataDir, "agents.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAgents, bucketCA} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltAgentStore{db: db}, nil
}

func (s *BoltAgentStore) Close() error {
	return s.db.Close()
}

func (s *BoltAgentStore) InsertAgent(row AgentRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(row.ID), data)
	})
}

func (s *BoltAgentStore) SetAgentGroupsCSV(id, groupsCSV string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("storage: agent not found: %s", id)
		}
		var row AgentRow
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		row.GroupsCSV = groupsCSV
		out, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltAgentStore) RemoveAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			// Already absent: removal is idempotent, matching the
			// writer's replay-on-crash-recovery semantics.
			return nil
		}
		var row AgentRow
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		row.Removed = true
		out, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltAgentStore) Query() ([]AgentRow, error) {
	var rows []AgentRow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var row AgentRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	return rows, err
}

func (s *BoltAgentStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("ca"), data)
	})
}

func (s *BoltAgentStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("storage: CA not found")
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}
