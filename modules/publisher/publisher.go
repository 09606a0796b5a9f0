package publisher

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/keys"
)

// Transaction types accepted on resource channels.
const (
	TransactionInsert = "insert"
	TransactionDelete = "delete"
)

// ErrUnknownTransactionType rejects a tr_type outside {insert, delete}.
var ErrUnknownTransactionType = errors.New("Unknown transaction type")

// NoSubscribersError is returned when no active analytics subscribes to the
// channel: publishing would silently drop the transaction.
type NoSubscribersError struct {
	Channel string
}

func (e *NoSubscribersError) Error() string {
	return fmt.Sprintf("Channel '%s' is not found or has 0 subscriptions", e.Channel)
}

// ListenerMismatchError is returned when the store reports fewer (or more)
// listeners than the registry has subscribers: some consumer missed the
// transaction.
type ListenerMismatchError struct {
	Listened   int64
	Subscribed int64
}

func (e *ListenerMismatchError) Error() string {
	return fmt.Sprintf("Listened count = %d doesn't match Subscribed count = %d", e.Listened, e.Subscribed)
}

// Publisher fans transactions out to the consumers of a resource channel. The
// payload is spliced into the envelope verbatim, so producers keep full
// control over field representation.
type Publisher struct {
	store  *storage.Store
	logger log.Logger
}

func New(store *storage.Store, logger log.Logger) *Publisher {
	return &Publisher{
		store:  store,
		logger: log.With(logger, "component", "publisher"),
	}
}

// Publish wraps the raw payload in a transaction envelope and publishes it on
// the resource channel. Delivery is checked against the registry's subscriber
// count.
func (p *Publisher) Publish(ctx context.Context, channel, trType string, payload []byte) error {
	if trType != TransactionInsert && trType != TransactionDelete {
		return errors.Wrapf(ErrUnknownTransactionType, "'%s'", trType)
	}

	cdb := p.store.Config()
	subscribed, err := cdb.SCard(ctx, keys.ActiveAnalytics(channel)).Result()
	if err != nil {
		return errors.Wrapf(err, "counting subscribers of '%s'", channel)
	}
	if subscribed == 0 {
		return &NoSubscribersError{Channel: channel}
	}

	envelope := fmt.Sprintf(`{"tr_type": "%s", "payload": %s}`, trType, payload)
	listened, err := cdb.Publish(ctx, channel, envelope).Result()
	if err != nil {
		return errors.Wrapf(err, "publishing on '%s'", channel)
	}
	metricTransactionsPublished.WithLabelValues(channel, trType).Inc()

	if listened != subscribed {
		return &ListenerMismatchError{Listened: listened, Subscribed: subscribed}
	}

	level.Debug(p.logger).Log("msg", "published transaction", "channel", channel, "tr_type", trType, "listeners", listened)
	return nil
}
