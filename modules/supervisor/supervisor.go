package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/modules/consumer"
	"github.com/dicer-proj/dicer/modules/registry"
	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/keys"
)

// refreshCommand is the only message body defined on the worker control
// channel. Matching is case-insensitive.
const refreshCommand = "refresh"

// Supervisor keeps one running consumer per active analytics. It listens on
// the worker control channel and reconciles the consumer set against the
// registry on every refresh command. Failed consumers are reaped and
// respawned.
type Supervisor struct {
	services.Service

	store    *storage.Store
	registry *registry.Registry
	logger   log.Logger

	conf   *redis.Client
	pubsub *redis.PubSub

	watcher *services.FailureWatcher

	mtx       sync.Mutex
	consumers map[string]*consumer.Consumer
}

func New(store *storage.Store, reg *registry.Registry, logger log.Logger) *Supervisor {
	s := &Supervisor{
		store:     store,
		registry:  reg,
		logger:    log.With(logger, "component", "supervisor"),
		watcher:   services.NewFailureWatcher(),
		consumers: map[string]*consumer.Consumer{},
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Supervisor) starting(ctx context.Context) error {
	s.conf = s.store.ExclusiveConfig()
	s.pubsub = s.conf.Subscribe(ctx, keys.WorkerCmdChannel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribing to worker control channel")
	}

	return s.reconcile(ctx)
}

func (s *Supervisor) running(ctx context.Context) error {
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return errors.New("worker control channel closed unexpectedly")
			}
			if !strings.EqualFold(msg.Payload, refreshCommand) {
				level.Warn(s.logger).Log("msg", "ignoring unknown worker command", "command", msg.Payload)
				continue
			}
			if err := s.reconcile(ctx); err != nil {
				level.Error(s.logger).Log("msg", "reconciliation failed", "err", err)
			}

		case err := <-s.watcher.Chan():
			level.Error(s.logger).Log("msg", "consumer failed", "err", fmt.Sprintf("%+v", err))
			s.respawnFailed(ctx)
		}
	}
}

func (s *Supervisor) stopping(_ error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for name, c := range s.consumers {
		if err := services.StopAndAwaitTerminated(context.Background(), c); err != nil {
			level.Warn(s.logger).Log("msg", "error stopping consumer", "analytics", name, "err", err)
		}
	}
	s.consumers = map[string]*consumer.Consumer{}

	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	if s.conf != nil {
		_ = s.conf.Close()
	}
	return nil
}

// Consumers returns the sorted names of the analytics currently being
// consumed.
func (s *Supervisor) Consumers() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	names := make([]string, 0, len(s.consumers))
	for name := range s.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// reconcile diffs the running consumer set against the registry's active set:
// missing consumers are spawned, stale ones destroyed and surviving ones get
// their channel subscriptions adjusted in place.
func (s *Supervisor) reconcile(ctx context.Context) error {
	active, err := s.registry.Active(ctx)
	if err != nil {
		return err
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, name := range active {
		activeSet[name] = struct{}{}
	}

	for name, c := range s.snapshot() {
		if _, ok := activeSet[name]; ok {
			continue
		}
		s.destroy(name, c)
	}

	for _, name := range active {
		c, ok := s.lookup(name)
		if !ok {
			s.spawn(ctx, name)
			continue
		}
		if err := s.adjustChannels(ctx, name, c); err != nil {
			level.Error(s.logger).Log("msg", "error adjusting consumer channels", "analytics", name, "err", err)
		}
	}

	metricActiveConsumers.Set(float64(len(s.Consumers())))
	return nil
}

// adjustChannels brings a running consumer's subscription in line with the
// registry. A consumer left without channels is destroyed.
func (s *Supervisor) adjustChannels(ctx context.Context, name string, c *consumer.Consumer) error {
	desired, err := s.registry.Subscriptions(ctx, name)
	if err != nil {
		return err
	}
	desiredSet := make(map[string]struct{}, len(desired))
	for _, channel := range desired {
		desiredSet[channel] = struct{}{}
	}

	current := c.Channels()
	currentSet := make(map[string]struct{}, len(current))
	for _, channel := range current {
		currentSet[channel] = struct{}{}
	}

	for _, channel := range desired {
		if _, ok := currentSet[channel]; ok {
			continue
		}
		if err := c.Subscribe(ctx, channel); err != nil {
			return err
		}
		level.Info(s.logger).Log("msg", "consumer subscribed to channel", "analytics", name, "channel", channel)
	}
	for _, channel := range current {
		if _, ok := desiredSet[channel]; ok {
			continue
		}
		if err := c.Unsubscribe(ctx, channel); err != nil {
			return err
		}
		level.Info(s.logger).Log("msg", "consumer unsubscribed from channel", "analytics", name, "channel", channel)
	}

	if c.ChannelCount() == 0 {
		s.destroy(name, c)
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, name string) {
	c := consumer.New(name, s.store, s.registry, s.logger)
	s.watcher.WatchService(c)

	// consumers run until the supervisor stops them, so they get an
	// independent context
	if err := c.StartAsync(context.Background()); err != nil {
		level.Error(s.logger).Log("msg", "error starting consumer", "analytics", name, "err", err)
		return
	}
	if err := c.AwaitRunning(ctx); err != nil {
		level.Error(s.logger).Log("msg", "consumer failed to start", "analytics", name, "err", fmt.Sprintf("%+v", err))
		return
	}

	s.mtx.Lock()
	s.consumers[name] = c
	s.mtx.Unlock()
	level.Info(s.logger).Log("msg", "spawned consumer", "analytics", name)
}

func (s *Supervisor) destroy(name string, c *consumer.Consumer) {
	if err := services.StopAndAwaitTerminated(context.Background(), c); err != nil {
		level.Warn(s.logger).Log("msg", "error stopping consumer", "analytics", name, "err", err)
	}
	s.mtx.Lock()
	delete(s.consumers, name)
	s.mtx.Unlock()
	level.Info(s.logger).Log("msg", "destroyed consumer", "analytics", name)
}

// respawnFailed reaps every consumer in the failed state and starts a fresh
// one in its place. A consumer that fails to come back is dropped until the
// next refresh.
func (s *Supervisor) respawnFailed(ctx context.Context) {
	for name, c := range s.snapshot() {
		if c.State() != services.Failed {
			continue
		}
		s.mtx.Lock()
		delete(s.consumers, name)
		s.mtx.Unlock()
		metricConsumerRestarts.WithLabelValues(name).Inc()
		level.Warn(s.logger).Log("msg", "respawning failed consumer", "analytics", name)
		s.spawn(ctx, name)
	}
	metricActiveConsumers.Set(float64(len(s.Consumers())))
}

func (s *Supervisor) snapshot() map[string]*consumer.Consumer {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make(map[string]*consumer.Consumer, len(s.consumers))
	for name, c := range s.consumers {
		out[name] = c
	}
	return out
}

func (s *Supervisor) lookup(name string) (*consumer.Consumer, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c, ok := s.consumers[name]
	return c, ok
}
