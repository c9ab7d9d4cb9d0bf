/*
Package factory provides JSON document to entity conversion.

PURPOSE:
  Converts kind-tagged JSON snapshot documents into production entities.
  This is how existing production records get into the engine without
  replaying every transition: an ERP export, a backup or a demo scenario
  is a bundle of documents, and each document is rebuilt (and fully
  re-validated) through the production.Factory.

JSON SCHEMA:
  {
    "documents": [
      {"kind": "mix_order",  "snapshot": { ...MixOrderSnapshot... }},
      {"kind": "batch",      "snapshot": { ...BatchSnapshot... }},
      {"kind": "mobile_run", "snapshot": { ...MobileRunSnapshot... }}
    ]
  }

ORDERING:
  ParseBundle returns mix orders first, then batches, then mobile runs,
  keeping the file order within a kind. Batches reference mix orders, so
  importing in this order never trips a reference check.

USAGE:
  docs := factory.NewDocumentFactory(entities)
  parsed, err := docs.ParseBundle(body)
  for _, e := range parsed {
      service.Import(ctx, actor, e.Value)
  }

SEE ALSO:
  - production/mixorder.go, batch.go, mobilerun.go: Snapshot types
  - api/handlers.go: POST /api/import
  - api/scenarios.go: Demo scenarios built from documents
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// Document is one kind-tagged entity snapshot.
type Document struct {
	Kind     generic.Kind    `json:"kind"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// Bundle is a set of documents imported together.
type Bundle struct {
	Documents []Document `json:"documents"`
}

// Entity is a rebuilt document. Value is *production.MixOrder,
// *production.Batch or *production.MobileRun.
type Entity struct {
	Kind  generic.Kind
	Value any
}

// ID returns the entity id.
func (e Entity) ID() string {
	switch v := e.Value.(type) {
	case *production.MixOrder:
		return v.ID()
	case *production.Batch:
		return v.ID()
	case *production.MobileRun:
		return v.ID()
	}
	return ""
}

// DocumentError locates a failing document in a bundle.
type DocumentError struct {
	Index int
	Kind  generic.Kind
	Err   error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("documents[%d] (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// =============================================================================
// DOCUMENT FACTORY
// =============================================================================

// DocumentFactory converts documents to entities and back.
type DocumentFactory struct {
	entities *production.Factory
}

// NewDocumentFactory creates a document factory building entities with f.
func NewDocumentFactory(f *production.Factory) *DocumentFactory {
	return &DocumentFactory{entities: f}
}

// ParseDocument parses a single document.
func (f *DocumentFactory) ParseDocument(data []byte) (Entity, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return Entity{}, fmt.Errorf("failed to parse document JSON: %w", err)
	}
	return f.FromDocument(d)
}

// FromDocument rebuilds the entity a document describes.
func (f *DocumentFactory) FromDocument(d Document) (Entity, error) {
	if len(d.Snapshot) == 0 {
		return Entity{}, fmt.Errorf("%s document has no snapshot", d.Kind)
	}

	var (
		value any
		err   error
	)
	switch d.Kind {
	case generic.KindMixOrder:
		value, err = f.entities.ParseMixOrder(d.Snapshot)
	case generic.KindBatch:
		value, err = f.entities.ParseBatch(d.Snapshot)
	case generic.KindMobileRun:
		value, err = f.entities.ParseMobileRun(d.Snapshot)
	default:
		return Entity{}, fmt.Errorf("unknown document kind %q", d.Kind)
	}
	if err != nil {
		return Entity{}, err
	}
	return Entity{Kind: d.Kind, Value: value}, nil
}

// ParseBundle parses every document in a bundle. The first failing
// document aborts the parse with a *DocumentError.
func (f *DocumentFactory) ParseBundle(data []byte) ([]Entity, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle JSON: %w", err)
	}
	return f.FromBundle(b)
}

// FromBundle rebuilds every document, ordered for import.
func (f *DocumentFactory) FromBundle(b Bundle) ([]Entity, error) {
	entities := make([]Entity, 0, len(b.Documents))
	seen := make(map[string]bool, len(b.Documents))
	for i, d := range b.Documents {
		e, err := f.FromDocument(d)
		if err != nil {
			return nil, &DocumentError{Index: i, Kind: d.Kind, Err: err}
		}
		key := string(e.Kind) + "/" + e.ID()
		if seen[key] {
			return nil, &DocumentError{Index: i, Kind: d.Kind, Err: &generic.DuplicateError{Entity: "bundle", Field: "id", Value: e.ID()}}
		}
		seen[key] = true
		entities = append(entities, e)
	}

	sort.SliceStable(entities, func(i, j int) bool {
		return importRank(entities[i].Kind) < importRank(entities[j].Kind)
	})
	return entities, nil
}

func importRank(k generic.Kind) int {
	switch k {
	case generic.KindMixOrder:
		return 0
	case generic.KindBatch:
		return 1
	default:
		return 2
	}
}

// ToDocument converts an entity to its document form.
func (f *DocumentFactory) ToDocument(entity any) (Document, error) {
	var (
		kind generic.Kind
		m    json.Marshaler
	)
	switch e := entity.(type) {
	case *production.MixOrder:
		kind, m = generic.KindMixOrder, e
	case *production.Batch:
		kind, m = generic.KindBatch, e
	case *production.MobileRun:
		kind, m = generic.KindMobileRun, e
	default:
		return Document{}, fmt.Errorf("cannot convert %T to a document", entity)
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return Document{}, err
	}
	return Document{Kind: kind, Snapshot: data}, nil
}
