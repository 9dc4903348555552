package storage

import (
	"log"
	"time"

	"NetSentry/internal/model"
)

// TeeStore writes every record to all underlying stores and reads from
// the first one. Secondary write failures are logged, never propagated:
// losing the analytics sink must not degrade incident handling.
type TeeStore struct {
	stores []model.Store
}

func NewTee(stores ...model.Store) *TeeStore {
	return &TeeStore{stores: stores}
}

func (t *TeeStore) RecordIncident(inc *model.Incident) error {
	return t.record(func(s model.Store) error { return s.RecordIncident(inc) })
}

func (t *TeeStore) RecordAction(rec *model.ActionRecord) error {
	return t.record(func(s model.Store) error { return s.RecordAction(rec) })
}

func (t *TeeStore) record(op func(model.Store) error) error {
	var first error
	for i, s := range t.stores {
		if err := op(s); err != nil {
			if i == 0 {
				first = err
			} else {
				log.Printf("Storage: secondary store write failed: %v", err)
			}
		}
	}
	return first
}

func (t *TeeStore) LoadRecentIncidents(since time.Time) ([]*model.Incident, error) {
	if len(t.stores) == 0 {
		return nil, nil
	}
	return t.stores[0].LoadRecentIncidents(since)
}

func (t *TeeStore) Close() error {
	var first error
	for _, s := range t.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
