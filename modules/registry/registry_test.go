package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/analytics"
	"github.com/dicer-proj/dicer/pkg/keys"
)

const testDefinition = `{
  "name": "activity",
  "query_dimensions": ["Date"],
  "slice_dimensions": [],
  "measures": ["visits", "orders"],
  "mapping": {
    "Date": {"type": "date", "field": "ts"},
    "visits": {"type": "count", "resource": "page"},
    "orders": {"type": "count", "resource": "order"}
  }
}`

func testRegistry(t *testing.T) (*Registry, *storage.Store) {
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

	return New(store, kitlog.NewNopLogger()), store
}

func TestLoadPopulatesRegistry(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	def, err := analytics.Parse([]byte(testDefinition))
	require.NoError(t, err)
	require.NoError(t, r.Load(ctx, def))

	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"activity"}, active)

	subs, err := r.Subscriptions(ctx, "activity")
	require.NoError(t, err)
	assert.Equal(t, []string{"order", "page"}, subs)

	names, err := store.Config().SMembers(ctx, keys.ActiveAnalytics("page")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"activity"}, names)

	loaded, err := r.Definition(ctx, "activity")
	require.NoError(t, err)
	assert.Equal(t, def.Name, loaded.Name)
	assert.Equal(t, def.Measures, loaded.Measures)
}

func TestLoadPublishesRefresh(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	sub := store.ExclusiveConfig().Subscribe(ctx, keys.WorkerCmdChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	def, err := analytics.Parse([]byte(testDefinition))
	require.NoError(t, err)
	require.NoError(t, r.Load(ctx, def))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "refresh", msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh command received")
	}
}

func TestDisableReversesSubscriptions(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	def, err := analytics.Parse([]byte(testDefinition))
	require.NoError(t, err)
	require.NoError(t, r.Load(ctx, def))
	require.NoError(t, r.Disable(ctx, "activity"))

	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	count, err := store.Config().SCard(ctx, keys.ActiveAnalytics("page")).Result()
	require.NoError(t, err)
	assert.Zero(t, count)

	// definition survives a disable
	_, err = r.Definition(ctx, "activity")
	require.NoError(t, err)

	// subscription set also survives, enable restores the reverse sets
	require.NoError(t, r.Enable(ctx, "activity"))
	active, err = r.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"activity"}, active)
	names, err := store.Config().SMembers(ctx, keys.ActiveAnalytics("order")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"activity"}, names)
}

func TestNamesIncludesDisabledAnalytics(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	def, err := analytics.Parse([]byte(testDefinition))
	require.NoError(t, err)
	require.NoError(t, r.Load(ctx, def))
	require.NoError(t, r.Disable(ctx, "activity"))

	names, err := r.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"activity"}, names)
}

func TestEnableUnknownAnalytics(t *testing.T) {
	r, _ := testRegistry(t)

	err := r.Enable(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestDefinitionNotLoaded(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.Definition(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestCorruptDefinition(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.Config().Set(ctx, keys.ByName("broken"), "{not json", 0).Err())

	_, err := r.Definition(ctx, "broken")
	var invalid *analytics.InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
}
