package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLights  = []byte(KindLights)
	bucketSensors = []byte(KindSensors)
	bucketGroups  = []byte(KindGroups)
	bucketRules   = []byte(KindRules)
	bucketNetwork = []byte(KindNetwork)
	keyNetState   = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLights, bucketSensors, bucketGroups, bucketRules, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) del(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) SaveLight(rec *LightRecord) error {
	return s.put(bucketLights, rec.ID, rec)
}

func (s *BoltStore) GetLight(id string) (*LightRecord, error) {
	var rec LightRecord
	if err := s.get(bucketLights, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteLight(id string) error {
	return s.del(bucketLights, id)
}

func (s *BoltStore) ListLights() ([]*LightRecord, error) {
	var recs []*LightRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return nil
		}
		recs = make([]*LightRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec LightRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) SaveSensor(rec *SensorRecord) error {
	return s.put(bucketSensors, rec.ID, rec)
}

func (s *BoltStore) GetSensor(id string) (*SensorRecord, error) {
	var rec SensorRecord
	if err := s.get(bucketSensors, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteSensor(id string) error {
	return s.del(bucketSensors, id)
}

func (s *BoltStore) ListSensors() ([]*SensorRecord, error) {
	var recs []*SensorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensors)
		if b == nil {
			return nil
		}
		recs = make([]*SensorRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec SensorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) SaveGroup(rec *GroupRecord) error {
	return s.put(bucketGroups, rec.ID, rec)
}

func (s *BoltStore) GetGroup(id string) (*GroupRecord, error) {
	var rec GroupRecord
	if err := s.get(bucketGroups, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteGroup(id string) error {
	return s.del(bucketGroups, id)
}

func (s *BoltStore) ListGroups() ([]*GroupRecord, error) {
	var recs []*GroupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b == nil {
			return nil
		}
		recs = make([]*GroupRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec GroupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) SaveRule(rec *RuleRecord) error {
	return s.put(bucketRules, rec.ID, rec)
}

func (s *BoltStore) GetRule(id string) (*RuleRecord, error) {
	var rec RuleRecord
	if err := s.get(bucketRules, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteRule(id string) error {
	return s.del(bucketRules, id)
}

func (s *BoltStore) ListRules() ([]*RuleRecord, error) {
	var recs []*RuleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b == nil {
			return nil
		}
		recs = make([]*RuleRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec RuleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data := b.Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
