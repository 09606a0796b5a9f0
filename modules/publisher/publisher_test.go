package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/keys"
)

func testPublisher(t *testing.T) (*Publisher, *storage.Store) {
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

func TestPublishSplicesPayload(t *testing.T) {
	p, store := testPublisher(t)
	ctx := context.Background()

	require.NoError(t, store.Config().SAdd(ctx, keys.ActiveAnalytics("order"), "sales").Err())

	sub := store.ExclusiveConfig().Subscribe(ctx, "order")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "order", TransactionInsert, []byte(`{"amount": 10.50}`)))

	select {
	case msg := <-sub.Channel():
		// the payload rides the envelope byte for byte
		assert.Equal(t, `{"tr_type": "insert", "payload": {"amount": 10.50}}`, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no transaction received")
	}
}

func TestPublishRejectsUnknownTransactionType(t *testing.T) {
	p, _ := testPublisher(t)

	err := p.Publish(context.Background(), "order", "upsert", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownTransactionType)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	p, _ := testPublisher(t)

	err := p.Publish(context.Background(), "ghost", TransactionInsert, []byte(`{}`))
	var missing *NoSubscribersError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ghost", missing.Channel)
}

func TestPublishDetectsListenerMismatch(t *testing.T) {
	p, store := testPublisher(t)
	ctx := context.Background()

	// a registered subscriber that is not actually listening
	require.NoError(t, store.Config().SAdd(ctx, keys.ActiveAnalytics("order"), "sales").Err())

	err := p.Publish(ctx, "order", TransactionDelete, []byte(`{}`))
	var mismatch *ListenerMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.EqualValues(t, 0, mismatch.Listened)
	assert.EqualValues(t, 1, mismatch.Subscribed)
}
