package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/analytics"
	"github.com/dicer-proj/dicer/pkg/keys"
)

// ErrNotLoaded is returned when an operation names an analytics that has no
// stored definition.
var ErrNotLoaded = errors.New("analytics is not loaded")

// Registry reads and writes the configuration registry in the config
// database: definitions, subscription sets and the active set. Consumers and
// the browser read it; only administrative flows write it.
type Registry struct {
	store  *storage.Store
	logger log.Logger
}

func New(store *storage.Store, logger log.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: log.With(logger, "component", "registry"),
	}
}

// RawDefinition returns the stored JSON blob of the named analytics.
func (r *Registry) RawDefinition(ctx context.Context, name string) ([]byte, error) {
	raw, err := r.store.Config().Get(ctx, keys.ByName(name)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotLoaded
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading definition of '%s'", name)
	}
	return raw, nil
}

// Definition loads and validates the stored definition of the named
// analytics.
func (r *Registry) Definition(ctx context.Context, name string) (*analytics.Definition, error) {
	raw, err := r.RawDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	return analytics.Parse(raw)
}

// Active returns the sorted names of all active analytics.
func (r *Registry) Active(ctx context.Context) ([]string, error) {
	names, err := r.store.Config().SMembers(ctx, keys.Active).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading active analytics")
	}
	sort.Strings(names)
	return names, nil
}

// IsActive reports whether the named analytics is in the active set.
func (r *Registry) IsActive(ctx context.Context, name string) (bool, error) {
	return r.store.Config().SIsMember(ctx, keys.Active, name).Result()
}

// Subscriptions returns the sorted resource channels the named analytics
// subscribes to.
func (r *Registry) Subscriptions(ctx context.Context, name string) ([]string, error) {
	channels, err := r.store.Config().SMembers(ctx, keys.Subscriptions(name)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading subscriptions of '%s'", name)
	}
	sort.Strings(channels)
	return channels, nil
}

// Names returns the sorted names of every loaded analytics, active or not.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	pattern := keys.ByName("*")
	stored, err := r.store.Config().Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing definitions")
	}

	prefix := keys.ByName("")
	names := make([]string, 0, len(stored))
	for _, key := range stored {
		name := strings.TrimPrefix(key, prefix)
		if strings.Contains(name, keys.Delimiter) {
			// subscription set, not a definition
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Load stores a validated definition, populates its subscription sets, adds
// it to the active set and asks the supervisor to refresh.
func (r *Registry) Load(ctx context.Context, def *analytics.Definition) error {
	blob, err := def.SerializeJSON()
	if err != nil {
		return errors.Wrapf(err, "serializing definition of '%s'", def.Name)
	}

	cdb := r.store.Config()
	if err := cdb.Set(ctx, keys.ByName(def.Name), blob, 0).Err(); err != nil {
		return errors.Wrapf(err, "storing definition of '%s'", def.Name)
	}
	for _, resource := range def.Resources() {
		if err := cdb.SAdd(ctx, keys.Subscriptions(def.Name), resource).Err(); err != nil {
			return err
		}
		if err := cdb.SAdd(ctx, keys.ActiveAnalytics(resource), def.Name).Err(); err != nil {
			return err
		}
	}
	if err := cdb.SAdd(ctx, keys.Active, def.Name).Err(); err != nil {
		return err
	}

	level.Info(r.logger).Log("msg", "loaded analytics", "name", def.Name, "resources", fmt.Sprint(def.Resources()))
	return r.Refresh(ctx)
}

// Enable re-adds a previously loaded analytics to the active set and restores
// its channels' reverse subscription sets.
func (r *Registry) Enable(ctx context.Context, name string) error {
	cdb := r.store.Config()

	exists, err := cdb.Exists(ctx, keys.ByName(name)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotLoaded
	}

	if err := cdb.SAdd(ctx, keys.Active, name).Err(); err != nil {
		return err
	}
	channels, err := cdb.SMembers(ctx, keys.Subscriptions(name)).Result()
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if err := cdb.SAdd(ctx, keys.ActiveAnalytics(channel), name).Err(); err != nil {
			return err
		}
	}

	level.Info(r.logger).Log("msg", "enabled analytics", "name", name)
	return r.Refresh(ctx)
}

// Disable removes an analytics from the active set and from its channels'
// reverse subscription sets. The stored definition is kept so the analytics
// can be re-enabled.
func (r *Registry) Disable(ctx context.Context, name string) error {
	cdb := r.store.Config()

	if err := cdb.SRem(ctx, keys.Active, name).Err(); err != nil {
		return err
	}
	channels, err := cdb.SMembers(ctx, keys.Subscriptions(name)).Result()
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if err := cdb.SRem(ctx, keys.ActiveAnalytics(channel), name).Err(); err != nil {
			return err
		}
	}

	level.Info(r.logger).Log("msg", "disabled analytics", "name", name)
	return r.Refresh(ctx)
}

// Refresh publishes the reconciliation command on the worker control channel.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.store.Config().Publish(ctx, keys.WorkerCmdChannel, "refresh").Err()
}
