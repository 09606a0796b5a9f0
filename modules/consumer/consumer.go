package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/modules/registry"
	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/analytics"
	"github.com/dicer-proj/dicer/pkg/keys"
)

// payloadJSON decodes transaction payloads with UseNumber so numeric field
// values keep the representation the producer published.
var payloadJSON = jsoniter.Config{UseNumber: true}.Froze()

// envelope is the wire format on every resource channel.
type envelope struct {
	TrType  string          `json:"tr_type"`
	Payload json.RawMessage `json:"payload"`
}

// Consumer holds the exclusive pub/sub subscription of one active analytics
// and applies every incoming transaction to its aggregate keyspace. A
// failure before the loop starts fails the whole service so the supervisor
// reaps and respawns it; failures inside the loop are logged and skipped.
type Consumer struct {
	services.Service

	name     string
	store    *storage.Store
	registry *registry.Registry
	logger   log.Logger

	conf   *redis.Client
	pubsub *redis.PubSub
	data   *redis.Client
	def    *analytics.Definition

	mtx      sync.Mutex
	channels map[string]struct{}
}

func New(name string, store *storage.Store, reg *registry.Registry, logger log.Logger) *Consumer {
	c := &Consumer{
		name:     name,
		store:    store,
		registry: reg,
		logger:   log.With(logger, "component", "consumer", "analytics", name),
		channels: map[string]struct{}{},
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

// Name returns the analytics this consumer serves.
func (c *Consumer) Name() string {
	return c.name
}

func (c *Consumer) starting(ctx context.Context) error {
	def, err := c.registry.Definition(ctx, c.name)
	if err != nil {
		return errors.Wrapf(err, "loading definition of '%s'", c.name)
	}
	c.def = def
	c.data = c.store.Data(def.DataDB)

	channels, err := c.registry.Subscriptions(ctx, c.name)
	if err != nil {
		return err
	}

	// pub/sub needs a connection of its own
	c.conf = c.store.ExclusiveConfig()
	c.pubsub = c.conf.Subscribe(ctx, channels...)
	if _, err := c.pubsub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "subscribing to channels of '%s'", c.name)
	}

	for _, channel := range channels {
		c.channels[channel] = struct{}{}
	}

	level.Info(c.logger).Log("msg", "consumer subscribed", "channels", fmt.Sprint(channels), "data_db", def.DataDB)
	return nil
}

func (c *Consumer) running(ctx context.Context) error {
	msgs := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription closed unexpectedly")
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) stopping(_ error) error {
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	if c.conf != nil {
		_ = c.conf.Close()
	}
	return nil
}

// Channels returns the sorted resource channels currently subscribed.
func (c *Consumer) Channels() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	out := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// ChannelCount returns the number of subscribed resource channels.
func (c *Consumer) ChannelCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.channels)
}

// Subscribe adds a resource channel to the live subscription.
func (c *Consumer) Subscribe(ctx context.Context, channel string) error {
	if err := c.pubsub.Subscribe(ctx, channel); err != nil {
		return err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe removes a resource channel from the live subscription.
func (c *Consumer) Unsubscribe(ctx context.Context, channel string) error {
	if err := c.pubsub.Unsubscribe(ctx, channel); err != nil {
		return err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.channels, channel)
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *redis.Message) {
	if err := c.consume(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
		metricTransactionErrors.WithLabelValues(c.name, msg.Channel).Inc()
		level.Error(c.logger).Log(
			"msg", "error while consuming transaction",
			"resource", msg.Channel,
			"data", msg.Payload,
			"err", fmt.Sprintf("%+v", err),
		)
		return
	}
	metricTransactionsProcessed.WithLabelValues(c.name, msg.Channel).Inc()
}

func (c *Consumer) consume(ctx context.Context, channel string, data []byte) error {
	var env envelope
	if err := payloadJSON.Unmarshal(data, &env); err != nil {
		return errors.Wrap(err, "parsing envelope")
	}
	if env.TrType != TransactionInsert && env.TrType != TransactionDelete {
		return &UnknownTransactionTypeError{Type: env.TrType}
	}

	var tx map[string]interface{}
	if err := payloadJSON.Unmarshal(env.Payload, &tx); err != nil {
		return errors.Wrap(err, "parsing payload")
	}

	queryKey, err := c.dimensionKey(c.def.QueryDimensions, tx)
	if err != nil {
		return err
	}
	sliceKey, err := c.dimensionKey(c.def.SliceDimensions, tx)
	if err != nil {
		return err
	}
	snoqKey, err := c.dimensionKey(c.def.SliceOnlyDimensions(), tx)
	if err != nil {
		return err
	}

	if err := c.updateRefCounts(ctx, env.TrType, sliceKey, tx); err != nil {
		return err
	}

	for _, name := range c.def.Measures {
		m, _ := c.def.Measure(name)
		if m.Resource != channel {
			continue
		}
		if !conditionsPass(m.Conditions, tx) {
			continue
		}

		var fieldVal interface{}
		if m.Field != "" {
			fieldVal = tx[m.Field]
		}
		key := keys.Construct(name, queryKey, snoqKey)
		if err := applyMeasure(ctx, c.data, m.Type, env.TrType, key, fieldVal); err != nil {
			return errors.Wrapf(err, "updating measure '%s'", name)
		}
	}

	return nil
}

// dimensionKey builds one composite key segment: dimension names sorted
// lexicographically, each followed by its parsed transaction value.
func (c *Consumer) dimensionKey(dimensions []string, tx map[string]interface{}) (string, error) {
	sorted := append([]string(nil), dimensions...)
	sort.Strings(sorted)

	parts := make([]string, 0, 2*len(sorted))
	for _, name := range sorted {
		dim, ok := c.def.Dimension(name)
		if !ok {
			return "", errors.Errorf("dimension '%s' has no mapping", name)
		}
		val, ok := tx[dim.Field]
		if !ok {
			return "", errors.Errorf("transaction is missing field '%s' of dimension '%s'", dim.Field, name)
		}
		parsed, err := analytics.ParseValue(dim.Type, val)
		if err != nil {
			return "", errors.Wrapf(err, "parsing dimension '%s'", name)
		}
		parts = append(parts, name, parsed)
	}
	return keys.Construct(parts), nil
}

// updateRefCounts maintains the RefCount hashes that let the browser
// enumerate observed values of query-only dimensions without scanning. The
// hash field is removed once its count returns to zero.
func (c *Consumer) updateRefCounts(ctx context.Context, trType, sliceKey string, tx map[string]interface{}) error {
	for _, name := range c.def.QueryOnlyDimensions() {
		dim, _ := c.def.Dimension(name)
		val, ok := tx[dim.Field]
		if !ok {
			return errors.Errorf("transaction is missing field '%s' of dimension '%s'", dim.Field, name)
		}
		// the hash field is the canonical value so that browse enumeration
		// lines up with the aggregate keys
		field, err := analytics.ParseValue(dim.Type, val)
		if err != nil {
			return errors.Wrapf(err, "parsing dimension '%s'", name)
		}
		key := keys.RefCount(sliceKey, name)

		switch trType {
		case TransactionInsert:
			if err := c.data.HIncrBy(ctx, key, field, 1).Err(); err != nil {
				return err
			}
		case TransactionDelete:
			count, err := c.data.HIncrBy(ctx, key, field, -1).Result()
			if err != nil {
				return err
			}
			if count == 0 {
				if err := c.data.HDel(ctx, key, field).Err(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// conditionsPass evaluates a measure's conditions against the transaction,
// short-circuiting on the first failed filter. A null filter value never
// matches anything and its condition passes trivially.
func conditionsPass(conditions []analytics.Condition, tx map[string]interface{}) bool {
	for _, cond := range conditions {
		val := tx[cond.Field]
		if cond.Equals != nil {
			if !valueEquals(val, cond.Equals) {
				return false
			}
		} else if cond.NotEquals != nil {
			if valueEquals(val, cond.NotEquals) {
				return false
			}
		}
	}
	return true
}

// valueEquals compares a transaction field against a condition filter value.
// Numbers compare numerically so that 1, 1.0 and "1"-as-number are equal.
func valueEquals(a, b interface{}) bool {
	if af, ok := numeric(a); ok {
		if bf, bok := numeric(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
