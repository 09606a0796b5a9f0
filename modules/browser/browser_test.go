package browser

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicer-proj/dicer/modules/registry"
	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/analytics"
)

const activityDefinition = `{
  "name": "activity",
  "query_dimensions": ["Date", "Practice"],
  "slice_dimensions": ["Practice"],
  "measures": ["visits"],
  "mapping": {
    "Date": {"type": "date", "field": "ts"},
    "Practice": {"type": "string", "field": "practice"},
    "visits": {"type": "count", "resource": "visit"}
  }
}`

const salesDefinition = `{
  "name": "sales",
  "query_dimensions": ["Date"],
  "slice_dimensions": ["Date", "Zone"],
  "measures": ["revenue", "buyers"],
  "mapping": {
    "Date": {"type": "date", "field": "ts"},
    "Zone": {"type": "integer", "field": "zone"},
    "revenue": {"type": "score_float", "resource": "order", "field": "amount"},
    "buyers": {"type": "unique", "resource": "order", "field": "buyer"}
  }
}`

func testBrowser(t *testing.T) (*Browser, *storage.Store, *registry.Registry) {
	t.Helper()

	s := miniredis.RunT(t)
	store := storage.New(storage.Config{
		Address:       s.Addr(),
		ConfigDB:      0,
		DefaultDataDB: 1,
		DialTimeout:   time.Second,
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
	})
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, kitlog.NewNopLogger())
	return New(store, reg, kitlog.NewNopLogger()), store, reg
}

func loadDefinition(t *testing.T, reg *registry.Registry, blob string) {
	t.Helper()

	def, err := analytics.Parse([]byte(blob))
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background(), def))
}

func TestBrowseEnumeratesObservedValues(t *testing.T) {
	b, store, reg := testBrowser(t)
	ctx := context.Background()

	loadDefinition(t, reg, activityDefinition)

	// aggregates the way a consumer would have written them
	data := store.Data(0)
	require.NoError(t, data.Set(ctx, "visits:Date:20260105:Practice:dental", 3, 0).Err())
	require.NoError(t, data.Set(ctx, "visits:Date:20260106:Practice:dental", 1, 0).Err())
	require.NoError(t, data.HSet(ctx, "RefCount:Practice:dental:Date", "20260105", 3, "20260106", 1).Err())

	res, err := b.Browse(ctx, "activity", map[string]string{"Practice": "dental"})
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, []Row{
		{"Date": "20260105", "Practice": "dental", "visits": int64(3)},
		{"Date": "20260106", "Practice": "dental", "visits": int64(1)},
	}, res.Data)
}

func TestBrowseExpandsSliceRanges(t *testing.T) {
	b, store, reg := testBrowser(t)
	ctx := context.Background()

	loadDefinition(t, reg, activityDefinition)

	data := store.Data(0)
	for _, practice := range []string{"dental", "optic"} {
		require.NoError(t, data.Set(ctx, "visits:Date:20260105:Practice:"+practice, 2, 0).Err())
		require.NoError(t, data.HSet(ctx, "RefCount:Practice:"+practice+":Date", "20260105", 2).Err())
	}

	// a string slice value selects exactly one practice
	res, err := b.Browse(ctx, "activity", map[string]string{"Practice": "optic"})
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{"Date": "20260105", "Practice": "optic", "visits": int64(2)},
	}, res.Data)
}

func TestBrowseSumsOverSliceOnlyKeys(t *testing.T) {
	b, store, reg := testBrowser(t)
	ctx := context.Background()

	loadDefinition(t, reg, salesDefinition)

	data := store.Data(0)
	require.NoError(t, data.Set(ctx, "revenue:Date:20260105:Zone:1", "10.5", 0).Err())
	require.NoError(t, data.Set(ctx, "revenue:Date:20260105:Zone:2", "4.5", 0).Err())
	require.NoError(t, data.SAdd(ctx, "buyers:Date:20260105:Zone:1", "alice", "bob").Err())

	// a single zone reads each measure directly
	res, err := b.Browse(ctx, "sales", map[string]string{"Date": "2026-01-05", "Zone": "1"})
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{"Date": "20260105", "revenue": 10.5, "buyers": int64(2)},
	}, res.Data)

	// a zone range sums scores but cannot aggregate distinct sets
	_, err = b.Browse(ctx, "sales", map[string]string{"Date": "2026-01-05", "Zone": "1..2"})
	require.ErrorIs(t, err, ErrUniqueAggregation)
}

func TestBrowseMissingSliceParameter(t *testing.T) {
	b, _, reg := testBrowser(t)
	ctx := context.Background()

	loadDefinition(t, reg, activityDefinition)

	_, err := b.Browse(ctx, "activity", map[string]string{})
	var missing *MissingSliceParameterError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "Practice", missing.Dimension)
}

func TestBrowseBadSliceExpression(t *testing.T) {
	b, _, reg := testBrowser(t)
	ctx := context.Background()

	loadDefinition(t, reg, salesDefinition)

	_, err := b.Browse(ctx, "sales", map[string]string{"Date": "2026-01-05", "Zone": "east..west"})
	var invalid *analytics.InvalidValueError
	require.ErrorAs(t, err, &invalid)
}

func TestBrowseInactiveAnalytics(t *testing.T) {
	b, _, reg := testBrowser(t)
	ctx := context.Background()

	_, err := b.Browse(ctx, "ghost", nil)
	require.ErrorIs(t, err, ErrNotFound)

	loadDefinition(t, reg, activityDefinition)
	require.NoError(t, reg.Disable(ctx, "activity"))

	_, err = b.Browse(ctx, "activity", map[string]string{"Practice": "dental"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCombinatorialKeys(t *testing.T) {
	got := combinatorialKeys([]dimRange{
		{name: "d1", values: []string{"1", "2"}},
		{name: "d2", values: []string{"3", "4"}},
	})
	assert.Equal(t, [][]string{
		{"d1", "1", "d2", "3"},
		{"d1", "1", "d2", "4"},
		{"d1", "2", "d2", "3"},
		{"d1", "2", "d2", "4"},
	}, got)

	// the product of no ranges is a single empty key
	assert.Equal(t, [][]string{{}}, combinatorialKeys(nil))
}
