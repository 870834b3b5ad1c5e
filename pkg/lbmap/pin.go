package lbmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var stateBucketName = []byte("states")

const (
	pinnedKeyLen   = 2
	pinnedValueLen = 16 + 2
)

// Pinner persists the flow-state store across restarts, so reverse-path
// translation survives a daemon restart the way a pinned kernel map would.
type Pinner struct {
	db     *bolt.DB
	path   string
	logger *zap.Logger
}

// OpenPinner opens or creates the pin database at path.
func OpenPinner(path string, logger *zap.Logger) (*Pinner, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create pin directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open pin database %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize pin database %s: %w", path, err)
	}
	return &Pinner{db: db, path: path, logger: logger}, nil
}

// Save replaces the pinned records with states.
func (p *Pinner) Save(states map[StateKey]StateValue) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(stateBucketName); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket(stateBucketName)
		if err != nil {
			return err
		}
		for key, value := range states {
			k, v := encodeState(key, value)
			if err := bucket.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save pinned states: %w", err)
	}
	p.logger.Debug("pinned flow states", zap.String("path", p.path), zap.Int("count", len(states)))
	return nil
}

// Load returns the pinned records. Malformed records are skipped.
func (p *Pinner) Load() (map[StateKey]StateValue, error) {
	states := make(map[StateKey]StateValue)
	err := p.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			key, value, ok := decodeState(k, v)
			if !ok {
				p.logger.Warn("skipping malformed pinned state", zap.Binary("key", k))
				return nil
			}
			states[key] = value
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned states: %w", err)
	}
	return states, nil
}

// Restore loads the pinned records into the flow-state store of m.
func (p *Pinner) Restore(m *Manager) (int, error) {
	states, err := p.Load()
	if err != nil {
		return 0, err
	}
	restored := 0
	for key, value := range states {
		if err := m.UpsertState(key, value); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// Close closes the pin database.
func (p *Pinner) Close() error {
	return p.db.Close()
}

func encodeState(key StateKey, value StateValue) ([]byte, []byte) {
	k := make([]byte, pinnedKeyLen)
	binary.BigEndian.PutUint16(k, uint16(key))
	v := make([]byte, pinnedValueLen)
	copy(v, value.Address[:])
	binary.BigEndian.PutUint16(v[16:], value.Port)
	return k, v
}

func decodeState(k, v []byte) (StateKey, StateValue, bool) {
	if len(k) != pinnedKeyLen || len(v) != pinnedValueLen {
		return 0, StateValue{}, false
	}
	var value StateValue
	copy(value.Address[:], v)
	value.Port = binary.BigEndian.Uint16(v[16:])
	return StateKey(binary.BigEndian.Uint16(k)), value, true
}
