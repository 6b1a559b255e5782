package reservation

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

func fleetDocument() domain.Document {
	return domain.Document{
		"T1": {Cart: []domain.CartLine{
			{ProductID: "p1", Quantity: 4},
			{ProductID: "p2", Quantity: 1.5},
		}},
		"T2": {Cart: []domain.CartLine{
			{ProductID: "p1", Quantity: 2},
		}},
		"T3": {Cart: []domain.CartLine{
			{ProductID: " p1 ", Quantity: 0.5},
			{ProductID: "p3", Quantity: 7},
		}},
	}
}

func TestReservedElsewhere_SumsOtherTerminals(t *testing.T) {
	doc := fleetDocument()

	require.Equal(t, 2.5, ReservedElsewhere(doc, "p1", "T1"))
	require.Equal(t, 4.5, ReservedElsewhere(doc, "p1", "T2"))
	require.Equal(t, 6.5, ReservedElsewhere(doc, "p1", "nobody"))
	require.Equal(t, 1.5, ReservedElsewhere(doc, "p2", "T3"))
}

func TestReservedElsewhere_UnknownProductIsZero(t *testing.T) {
	doc := fleetDocument()

	for _, exclude := range []string{"T1", "T2", "T3", "", "other"} {
		require.Zero(t, ReservedElsewhere(doc, "missing", exclude))
	}
	require.Zero(t, ReservedElsewhere(domain.Document{}, "p1", "T1"))
	require.Zero(t, ReservedElsewhere(nil, "p1", "T1"))
	require.Zero(t, ReservedElsewhere(doc, "", "T1"))
}

func TestReservedElsewhere_IndependentOfOwnLines(t *testing.T) {
	doc := fleetDocument()
	before := ReservedElsewhere(doc, "p1", "T2")

	own := doc["T2"]
	own.Cart = append(own.Cart, domain.CartLine{ProductID: "p1", Quantity: 100})
	doc["T2"] = own
	require.Equal(t, before, ReservedElsewhere(doc, "p1", "T2"))

	delete(doc, "T2")
	require.Equal(t, before, ReservedElsewhere(doc, "p1", "T2"))
}

func TestReservedElsewhere_MalformedQuantitiesContributeZero(t *testing.T) {
	doc := domain.Document{
		"T1": {Cart: []domain.CartLine{
			{ProductID: "p1", Quantity: math.NaN()},
			{ProductID: "p1", Quantity: math.Inf(1)},
			{ProductID: "p1", Quantity: -3},
			{ProductID: "p1", Quantity: 1},
			{ProductID: "", Quantity: 5},
		}},
	}

	require.Equal(t, 1.0, ReservedElsewhere(doc, "p1", "T2"))
}

func TestReservedElsewhere_NumericAndStringIDsMatch(t *testing.T) {
	var doc domain.Document
	require.NoError(t, doc.UnmarshalJSON([]byte(`{"T1": {"cart": [{"id": 12, "quantity": 3}, {"id": "12", "quantity": 1}]}}`)))

	require.Equal(t, 4.0, ReservedElsewhere(doc, "12", "T2"))
}

func TestReservedByProduct_MatchesSingleLookups(t *testing.T) {
	doc := fleetDocument()
	ids := []string{"p1", "p2", "p3", "missing"}

	got := ReservedByProduct(doc, ids, "T1")
	require.Len(t, got, len(ids))
	for _, id := range ids {
		require.Equal(t, ReservedElsewhere(doc, id, "T1"), got[id], "product %s", id)
	}
}

func TestReservedByProduct_Empty(t *testing.T) {
	require.Empty(t, ReservedByProduct(fleetDocument(), nil, "T1"))
	require.Empty(t, ReservedByProduct(fleetDocument(), []string{"", "  "}, "T1"))
}

func TestHeldBy(t *testing.T) {
	doc := fleetDocument()
	require.Equal(t, 4.0, HeldBy(doc["T1"], "p1"))
	require.Equal(t, 0.5, HeldBy(doc["T3"], "p1"))
	require.Zero(t, HeldBy(doc["T2"], "p2"))
}

func TestFresh_DropsStaleSnapshots(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	doc := domain.Document{
		"fresh":  {UpdatedAt: now.Add(-time.Minute), Cart: []domain.CartLine{{ProductID: "p1", Quantity: 1}}},
		"stale":  {UpdatedAt: now.Add(-time.Hour), Cart: []domain.CartLine{{ProductID: "p1", Quantity: 5}}},
		"legacy": {Cart: []domain.CartLine{{ProductID: "p1", Quantity: 2}}},
	}

	filtered := Fresh(doc, now, 10*time.Minute)
	require.Len(t, filtered, 2)
	require.Contains(t, filtered, "fresh")
	require.Contains(t, filtered, "legacy")
	require.Equal(t, 3.0, ReservedElsewhere(filtered, "p1", "me"))

	stale := Stale(doc, now, 10*time.Minute)
	sort.Strings(stale)
	require.Equal(t, []string{"stale"}, stale)
}

func TestFresh_Disabled(t *testing.T) {
	now := time.Now().UTC()
	doc := domain.Document{"old": {UpdatedAt: now.Add(-24 * time.Hour)}}

	require.Len(t, Fresh(doc, now, 0), 1)
	require.Nil(t, Stale(doc, now, 0))
}
