package consumer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicer-proj/dicer/pkg/analytics"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()

	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestCountMeasure(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureCount, TransactionInsert, "k", nil))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureCount, TransactionInsert, "k", nil))
	n, err := rdb.Get(ctx, "k").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// delete is the exact inverse
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureCount, TransactionDelete, "k", nil))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureCount, TransactionDelete, "k", nil))
	n, err = rdb.Get(ctx, "k").Int64()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScoreMeasure(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureScore, TransactionInsert, "k", 10))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureScore, TransactionInsert, "k", "32"))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureScore, TransactionDelete, "k", 2))
	n, err := rdb.Get(ctx, "k").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 40, n)

	err = applyMeasure(ctx, rdb, analytics.MeasureScore, TransactionInsert, "k", "not a number")
	require.Error(t, err)
}

func TestHeatMeasureCountsDeletesToo(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureHeat, TransactionInsert, "k", nil))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureHeat, TransactionDelete, "k", nil))
	n, err := rdb.Get(ctx, "k").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestUniqueMeasure(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureUnique, TransactionInsert, "k", "alice"))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureUnique, TransactionInsert, "k", "bob"))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureUnique, TransactionInsert, "k", "alice"))
	n, err := rdb.SCard(ctx, "k").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// deletes do not shrink the set
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureUnique, TransactionDelete, "k", "alice"))
	n, err = rdb.SCard(ctx, "k").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestScoreFloatMeasure(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureScoreFloat, TransactionInsert, "k", 1.5))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureScoreFloat, TransactionInsert, "k", "2.25"))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureScoreFloat, TransactionDelete, "k", 0.75))
	f, err := rdb.Get(ctx, "k").Float64()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, f, 1e-9)
}

func TestCountFloatAndHeatFloat(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureCountFloat, TransactionInsert, "cf", nil))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureCountFloat, TransactionDelete, "cf", nil))
	f, err := rdb.Get(ctx, "cf").Float64()
	require.NoError(t, err)
	assert.Zero(t, f)

	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureHeatFloat, TransactionInsert, "hf", nil))
	require.NoError(t, applyMeasure(ctx, rdb, analytics.MeasureHeatFloat, TransactionDelete, "hf", nil))
	f, err = rdb.Get(ctx, "hf").Float64()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, f, 1e-9)
}

func TestUnknownTransactionType(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()

	for _, typ := range []analytics.MeasureType{
		analytics.MeasureCount,
		analytics.MeasureHeat,
		analytics.MeasureUnique,
		analytics.MeasureCountFloat,
	} {
		err := applyMeasure(ctx, rdb, typ, "upsert", "k", nil)
		var unknown *UnknownTransactionTypeError
		require.ErrorAs(t, err, &unknown, "measure type %s", typ)
		assert.Equal(t, "upsert", unknown.Type)
	}
}
