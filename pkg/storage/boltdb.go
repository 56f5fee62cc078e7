package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/caravelhq/caravel/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDeployments = []byte("deployments")
	bucketPhases      = []byte("deployment_phases")
	bucketDecisions   = []byte("security_decisions")
	bucketArtifacts   = []byte("build_artifacts")
	bucketHealth      = []byte("health_samples")
	bucketEvents      = []byte("events")
)

// ErrTerminal is returned on any attempt to update a deployment row
// after it reached a terminal status
var ErrTerminal = errors.New("deployment is terminal")

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// BoltStore implements the Store port using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "caravel.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDeployments,
			bucketPhases,
			bucketDecisions,
			bucketArtifacts,
			bucketHealth,
			bucketEvents,
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

// CreateDeployment writes a new deployment record. Creating an id that
// already exists is a no-op so retried jobs do not clobber state.
func (s *BoltStore) CreateDeployment(rec *types.DeploymentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		if b.Get([]byte(rec.DeploymentID)) != nil {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.DeploymentID), data)
	})
}

// UpdateDeployment overwrites a deployment record. Terminal records are
// immutable: updating one fails with ErrTerminal.
func (s *BoltStore) UpdateDeployment(rec *types.DeploymentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		if data := b.Get([]byte(rec.DeploymentID)); data != nil {
			var existing types.DeploymentRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Status.Terminal() {
				return fmt.Errorf("deployment %s: %w", rec.DeploymentID, ErrTerminal)
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.DeploymentID), data)
	})
}

// GetDeployment retrieves a deployment record by id
func (s *BoltStore) GetDeployment(deploymentID string) (*types.DeploymentRecord, error) {
	var rec types.DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(deploymentID))
		if data == nil {
			return fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LatestDeployedTag returns the image tag of the most recently deployed
// record for an instance, or "" when the instance has never deployed.
func (s *BoltStore) LatestDeployedTag(instanceID string) (string, error) {
	var tag string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		var latest *types.DeploymentRecord
		return b.ForEach(func(k, v []byte) error {
			var rec types.DeploymentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.InstanceID != instanceID || rec.Status != types.StatusDeployed {
				return nil
			}
			if latest == nil || rec.CompletedAt.After(latest.CompletedAt) {
				cp := rec
				latest = &cp
				tag = rec.CurrentImageTag
			}
			return nil
		})
	})
	return tag, err
}

func phaseKey(deploymentID string, phase types.Phase, attempt int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%04d", deploymentID, phase, attempt))
}

// PutPhase writes a phase record keyed by (deployment, phase, attempt).
// Once a record has a final status, later writes to the same key are
// no-ops; the running -> final transition is the only allowed update.
func (s *BoltStore) PutPhase(rec *types.PhaseRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPhases)
		key := phaseKey(rec.DeploymentID, rec.Phase, rec.Attempt)
		if data := b.Get(key); data != nil {
			var existing types.PhaseRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Status != types.PhaseRunning {
				return nil
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListPhases returns all phase records for a deployment in key order
// (phase name, then attempt)
func (s *BoltStore) ListPhases(deploymentID string) ([]*types.PhaseRecord, error) {
	var phases []*types.PhaseRecord
	prefix := []byte(deploymentID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPhases).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var rec types.PhaseRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			phases = append(phases, &rec)
		}
		return nil
	})
	return phases, err
}

// PutDecision stores the scan decision; a second write for the same
// deployment is a no-op
func (s *BoltStore) PutDecision(d *types.SecurityDecision) error {
	return s.putOnce(bucketDecisions, d.DeploymentID, d)
}

// GetDecision retrieves the scan decision
func (s *BoltStore) GetDecision(deploymentID string) (*types.SecurityDecision, error) {
	var d types.SecurityDecision
	if err := s.getJSON(bucketDecisions, deploymentID, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PutArtifact stores the build artifact; a second write for the same
// deployment is a no-op
func (s *BoltStore) PutArtifact(a *types.BuildArtifact) error {
	return s.putOnce(bucketArtifacts, a.DeploymentID, a)
}

// GetArtifact retrieves the build artifact
func (s *BoltStore) GetArtifact(deploymentID string) (*types.BuildArtifact, error) {
	var a types.BuildArtifact
	if err := s.getJSON(bucketArtifacts, deploymentID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// AppendHealthSamples appends probe samples under the deployment's
// health sub-bucket
func (s *BoltStore) AppendHealthSamples(deploymentID string, samples []types.HealthSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketHealth)
		b, err := parent.CreateBucketIfNotExists([]byte(deploymentID))
		if err != nil {
			return err
		}
		for _, sample := range samples {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(sample)
			if err != nil {
				return err
			}
			if err := b.Put(u64Key(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendEvent appends an event keyed by (deployment, seq). Re-appending
// an existing seq is a no-op.
func (s *BoltStore) AppendEvent(ev *types.DeploymentEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketEvents)
		b, err := parent.CreateBucketIfNotExists([]byte(ev.DeploymentID))
		if err != nil {
			return err
		}
		key := u64Key(ev.Seq)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListEvents returns a deployment's events with seq >= fromSeq in order
func (s *BoltStore) ListEvents(deploymentID string, fromSeq uint64) ([]*types.DeploymentEvent, error) {
	var out []*types.DeploymentEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(deploymentID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(u64Key(fromSeq)); k != nil; k, v = c.Next() {
			var ev types.DeploymentEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) putOnce(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) getJSON(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}

func u64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}
