package factory_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/production-engine/factory"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

var t0 = time.Date(2025, time.June, 2, 6, 0, 0, 0, time.UTC)

func newFactories() (*production.Factory, *factory.DocumentFactory) {
	f := production.NewFactory(generic.NewFixedClock(t0), &generic.SequenceIDs{Prefix: "doc"}, production.DefaultPolicy())
	return f, factory.NewDocumentFactory(f)
}

func sampleEntities(t *testing.T, f *production.Factory) (*production.MixOrder, *production.Batch) {
	t.Helper()
	order, err := f.NewMixOrder(production.NewMixOrderInput{
		TenantID:    "t1",
		OrderNumber: "MO-9",
		Type:        production.OrderPlant,
		RecipeID:    "r-1",
		TargetQtyKg: generic.Kg(500),
		PlannedAt:   t0,
	})
	require.NoError(t, err)
	batch, err := f.NewBatch(production.NewBatchInput{
		TenantID:      "t1",
		BatchNumber:   "B-9",
		MixOrderID:    order.ID(),
		ProducedQtyKg: generic.Kg(50),
		StartAt:       t0,
		Inputs: []production.BatchInput{
			{IngredientLotID: "LOT-1", PlannedKg: generic.Kg(50), ActualKg: generic.Kg(50)},
		},
	})
	require.NoError(t, err)
	return order, batch
}

func TestDocumentFactory_RoundTrip(t *testing.T) {
	f, docs := newFactories()
	order, _ := sampleEntities(t, f)

	doc, err := docs.ToDocument(order)
	require.NoError(t, err)
	assert.Equal(t, generic.KindMixOrder, doc.Kind)

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	entity, err := docs.ParseDocument(data)
	require.NoError(t, err)

	parsed, ok := entity.Value.(*production.MixOrder)
	require.True(t, ok)
	assert.Equal(t, order.ID(), entity.ID())
	assert.Equal(t, "MO-9", parsed.OrderNumber())
}

func TestDocumentFactory_BundleIsOrderedForImport(t *testing.T) {
	// GIVEN: A bundle listing a batch before the mix order it references
	// WHEN: Parsing the bundle
	// THEN: The mix order comes first

	f, docs := newFactories()
	order, batch := sampleEntities(t, f)
	batchDoc, err := docs.ToDocument(batch)
	require.NoError(t, err)
	orderDoc, err := docs.ToDocument(order)
	require.NoError(t, err)

	entities, err := docs.FromBundle(factory.Bundle{Documents: []factory.Document{batchDoc, orderDoc}})

	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, generic.KindMixOrder, entities[0].Kind)
	assert.Equal(t, generic.KindBatch, entities[1].Kind)
}

func TestDocumentFactory_Errors(t *testing.T) {
	f, docs := newFactories()
	order, _ := sampleEntities(t, f)
	orderDoc, err := docs.ToDocument(order)
	require.NoError(t, err)

	t.Run("unknown kind", func(t *testing.T) {
		_, err := docs.FromDocument(factory.Document{Kind: "silo", Snapshot: json.RawMessage(`{}`)})
		assert.ErrorContains(t, err, "unknown document kind")
	})

	t.Run("missing snapshot", func(t *testing.T) {
		_, err := docs.FromDocument(factory.Document{Kind: generic.KindBatch})
		assert.Error(t, err)
	})

	t.Run("invalid snapshot is located", func(t *testing.T) {
		bad := factory.Document{Kind: generic.KindMixOrder, Snapshot: json.RawMessage(`{"id":"x"}`)}
		_, err := docs.FromBundle(factory.Bundle{Documents: []factory.Document{orderDoc, bad}})

		var de *factory.DocumentError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, 1, de.Index)
		assert.ErrorIs(t, err, generic.ErrSchemaValidation)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := docs.FromBundle(factory.Bundle{Documents: []factory.Document{orderDoc, orderDoc}})
		assert.ErrorIs(t, err, generic.ErrDuplicate)
	})

	t.Run("not an entity", func(t *testing.T) {
		_, err := docs.ToDocument(42)
		assert.Error(t, err)
	})

	t.Run("malformed bundle", func(t *testing.T) {
		_, err := docs.ParseBundle([]byte(`{"documents": [`))
		assert.Error(t, err)
	})
}
