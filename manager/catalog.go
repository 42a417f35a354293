package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// DefinitionRecord is the catalog entry for a definition, kept in catalog.db
// in the data directory.
type DefinitionRecord struct {
	Name        string // Definition name.
	Backend     string
	Path        string    // Relative to the data directory.
	Created     time.Time `bstore:"default now"`
	FirstLoaded time.Time
	LastLoaded  time.Time
	Loads       int64
}

// DBTypes are the types stored in the catalog.
var DBTypes = []any{DefinitionRecord{}}

// register adds catalog records for new definitions. A definition that is
// already in the catalog must be configured with the same backend, its data is
// not readable by another backend.
func (m *Manager) register(ctx context.Context, name, backend, path string) error {
	return m.catalog.Write(ctx, func(tx *bstore.Tx) error {
		dr := DefinitionRecord{Name: name}
		err := tx.Get(&dr)
		if err == bstore.ErrAbsent {
			dr = DefinitionRecord{Name: name, Backend: backend, Path: path}
			return tx.Insert(&dr)
		} else if err != nil {
			return err
		}
		if dr.Backend != backend {
			return fmt.Errorf("%w: definition %q is stored with backend %q, configured is %q", ErrParam, name, dr.Backend, backend)
		}
		if dr.Path != path {
			dr.Path = path
			return tx.Update(&dr)
		}
		return nil
	})
}

// recordLoad updates the load times and count of a definition.
func (m *Manager) recordLoad(ctx context.Context, name string) error {
	return m.catalog.Write(ctx, func(tx *bstore.Tx) error {
		dr := DefinitionRecord{Name: name}
		if err := tx.Get(&dr); err != nil {
			return err
		}
		now := time.Now()
		if dr.FirstLoaded.IsZero() {
			dr.FirstLoaded = now
		}
		dr.LastLoaded = now
		dr.Loads++
		return tx.Update(&dr)
	})
}

// Catalog returns the catalog records of all definitions, including those no
// longer configured.
func (m *Manager) Catalog(ctx context.Context) ([]DefinitionRecord, error) {
	return bstore.QueryDB[DefinitionRecord](ctx, m.catalog).SortAsc("Name").List()
}

// CatalogRecord returns the catalog record for a definition.
func (m *Manager) CatalogRecord(ctx context.Context, name string) (DefinitionRecord, error) {
	dr := DefinitionRecord{Name: name}
	err := m.catalog.Get(ctx, &dr)
	if errors.Is(err, bstore.ErrAbsent) {
		return DefinitionRecord{}, fmt.Errorf("%w: %q", ErrUnknownDefinition, name)
	}
	return dr, err
}
