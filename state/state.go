// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state persists the hedge ledger so a long-lived service can
// recover its position set after a restart. The ledger itself stays the
// source of truth; this is a write-behind snapshot store.
package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/database"

	"github.com/luxfi/hedge/ledger"
)

var (
	ErrNoSnapshot = errors.New("no snapshot stored")

	prefixPosition = []byte("position:")
	prefixHedger   = []byte("hedger:")
	keyMeta        = []byte("meta")
)

type meta struct {
	NextPositionID    uint64   `json:"nextPositionId"`
	TotalMargin       *big.Int `json:"totalMargin"`
	TotalExposure     *big.Int `json:"totalExposure"`
	ActiveHedgerCount int      `json:"activeHedgerCount"`
	PositionCount     int      `json:"positionCount"`
	HedgerCount       int      `json:"hedgerCount"`
}

// Store saves and loads ledger snapshots.
type Store struct {
	mu sync.Mutex
	db database.Database
}

// New creates a store over the given database.
func New(db database.Database) *Store {
	return &Store{db: db}
}

// Save writes the full snapshot. Previously stored records are overwritten
// or removed so the database always holds exactly one snapshot.
func (s *Store) Save(snap *ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.clearPrefix(prefixPosition); err != nil {
		return err
	}
	if err := s.clearPrefix(prefixHedger); err != nil {
		return err
	}

	for _, pos := range snap.Positions {
		data, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("failed to encode position %d: %w", pos.ID, err)
		}
		if err := s.db.Put(positionKey(pos.ID), data); err != nil {
			return err
		}
	}
	for _, h := range snap.Hedgers {
		data, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("failed to encode hedger %s: %w", h.Address, err)
		}
		key := append([]byte{}, prefixHedger...)
		key = append(key, h.Address[:]...)
		if err := s.db.Put(key, data); err != nil {
			return err
		}
	}

	metaData, err := json.Marshal(meta{
		NextPositionID:    snap.NextPositionID,
		TotalMargin:       snap.TotalMargin,
		TotalExposure:     snap.TotalExposure,
		ActiveHedgerCount: snap.ActiveHedgerCount,
		PositionCount:     len(snap.Positions),
		HedgerCount:       len(snap.Hedgers),
	})
	if err != nil {
		return err
	}
	return s.db.Put(keyMeta, metaData)
}

// Load reads the stored snapshot.
func (s *Store) Load() (*ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaData, err := s.db.Get(keyMeta)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(metaData, &m); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot meta: %w", err)
	}

	snap := &ledger.Snapshot{
		Positions:         make([]*ledger.Position, 0, m.PositionCount),
		Hedgers:           make([]*ledger.Hedger, 0, m.HedgerCount),
		NextPositionID:    m.NextPositionID,
		TotalMargin:       m.TotalMargin,
		TotalExposure:     m.TotalExposure,
		ActiveHedgerCount: m.ActiveHedgerCount,
	}

	iter := s.db.NewIteratorWithPrefix(prefixPosition)
	defer iter.Release()
	for iter.Next() {
		var pos ledger.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			return nil, fmt.Errorf("failed to decode position: %w", err)
		}
		snap.Positions = append(snap.Positions, &pos)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	hIter := s.db.NewIteratorWithPrefix(prefixHedger)
	defer hIter.Release()
	for hIter.Next() {
		var h ledger.Hedger
		if err := json.Unmarshal(hIter.Value(), &h); err != nil {
			return nil, fmt.Errorf("failed to decode hedger: %w", err)
		}
		snap.Hedgers = append(snap.Hedgers, &h)
	}
	if err := hIter.Error(); err != nil {
		return nil, err
	}

	return snap, nil
}

// clearPrefix deletes every key under the prefix. Must be called with the
// lock held.
func (s *Store) clearPrefix(prefix []byte) error {
	iter := s.db.NewIteratorWithPrefix(prefix)
	defer iter.Release()

	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func positionKey(id uint64) []byte {
	key := append([]byte{}, prefixPosition...)
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	return append(key, idBytes[:]...)
}
