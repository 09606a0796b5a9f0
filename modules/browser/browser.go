package browser

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/modules/registry"
	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/analytics"
	"github.com/dicer-proj/dicer/pkg/keys"
)

// ErrNotFound is returned when the requested analytics is inactive or has no
// stored definition.
var ErrNotFound = errors.New("analytics not found")

// MissingSliceParameterError reports a slice dimension the query string did
// not constrain.
type MissingSliceParameterError struct {
	Dimension string
}

func (e *MissingSliceParameterError) Error() string {
	return fmt.Sprintf("Missing slice parameter '%s'", e.Dimension)
}

// ErrUniqueAggregation is returned when a query spans more than one
// slice-only key: distinct sets cannot be summed.
var ErrUniqueAggregation = errors.New("Measure type 'unique' cannot be aggregated")

// Row maps dimension names to their values and measure names to their
// aggregates.
type Row map[string]interface{}

// Result is the browse response body.
type Result struct {
	Status string `json:"status"`
	Data   []Row  `json:"data"`
}

// Browser answers aggregate queries by enumerating the keyspace of an active
// analytics. It never writes to the store.
type Browser struct {
	store    *storage.Store
	registry *registry.Registry
	logger   log.Logger
}

func New(store *storage.Store, reg *registry.Registry, logger log.Logger) *Browser {
	return &Browser{
		store:    store,
		registry: reg,
		logger:   log.With(logger, "component", "browser"),
	}
}

// dimRange pairs a dimension name with its sorted candidate values.
type dimRange struct {
	name   string
	values []string
}

// Browse expands the slice arguments, discovers the observed values of the
// query-only dimensions and reads one row per combination of query dimension
// values.
func (b *Browser) Browse(ctx context.Context, name string, sliceArgs map[string]string) (*Result, error) {
	active, err := b.registry.IsActive(ctx, name)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrNotFound
	}
	def, err := b.registry.Definition(ctx, name)
	if errors.Is(err, registry.ErrNotLoaded) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data := b.store.Data(def.DataDB)

	// every slice dimension must be constrained by the caller
	values := map[string][]string{}
	for _, dim := range def.SliceDimensions {
		expr, ok := sliceArgs[dim]
		if !ok {
			return nil, &MissingSliceParameterError{Dimension: dim}
		}
		d, _ := def.Dimension(dim)
		expanded, err := analytics.Expand(d.Type, expr)
		if err != nil {
			return nil, err
		}
		for value := range expanded {
			values[dim] = append(values[dim], value)
		}
	}

	sliceRange := sortedRange(def.SliceDimensions, values)
	snoqRange := sortedRange(def.SliceOnlyDimensions(), values)

	// query-only dimension values are whatever the consumers refcounted
	// under the sliced keys
	for _, dim := range def.QueryOnlyDimensions() {
		observed := map[string]struct{}{}
		for _, sliceKey := range combinatorialKeys(sliceRange) {
			fields, err := data.HKeys(ctx, keys.RefCount(keys.Construct(sliceKey), dim)).Result()
			if err != nil {
				return nil, errors.Wrapf(err, "enumerating values of dimension '%s'", dim)
			}
			for _, field := range fields {
				observed[field] = struct{}{}
			}
		}
		for value := range observed {
			values[dim] = append(values[dim], value)
		}
	}

	queryRange := sortedRange(def.QueryDimensions, values)
	snoqKeys := combinatorialKeys(snoqRange)

	rows := []Row{}
	for _, queryKey := range combinatorialKeys(queryRange) {
		row := Row{}
		for i := 0; i+1 < len(queryKey); i += 2 {
			row[queryKey[i]] = queryKey[i+1]
		}

		for _, measure := range def.Measures {
			m, _ := def.Measure(measure)
			value, err := b.readMeasure(ctx, data, m, measure, queryKey, snoqKeys)
			if err != nil {
				return nil, err
			}
			row[measure] = value
		}
		rows = append(rows, row)
	}

	level.Debug(b.logger).Log("msg", "browsed analytics", "analytics", name, "rows", len(rows))
	return &Result{Status: "OK", Data: rows}, nil
}

// readMeasure reads one measure cell, summing over the slice-only keys when
// the query spans more than one. Unique measures hold sets and have no
// meaningful sum.
func (b *Browser) readMeasure(ctx context.Context, data *redis.Client, m analytics.Measure, name string, queryKey []string, snoqKeys [][]string) (interface{}, error) {
	if len(snoqKeys) > 1 && m.Type == analytics.MeasureUnique {
		return nil, ErrUniqueAggregation
	}

	var sum float64
	for _, snoqKey := range snoqKeys {
		key := keys.Construct(name, queryKey, snoqKey)

		if m.Type == analytics.MeasureUnique {
			n, err := data.SCard(ctx, key).Result()
			if err != nil {
				return nil, err
			}
			sum += float64(n)
			continue
		}

		val, err := data.Get(ctx, key).Float64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading measure '%s'", name)
		}
		sum += val
	}

	if m.Type.IsFloat() {
		return sum, nil
	}
	return int64(sum), nil
}

// sortedRange orders the dimensions and their candidate values
// lexicographically so that enumeration is deterministic.
func sortedRange(dimensions []string, values map[string][]string) []dimRange {
	sorted := append([]string(nil), dimensions...)
	sort.Strings(sorted)

	ranges := make([]dimRange, 0, len(sorted))
	for _, dim := range sorted {
		vals := append([]string(nil), values[dim]...)
		sort.Strings(vals)
		ranges = append(ranges, dimRange{name: dim, values: vals})
	}
	return ranges
}

// combinatorialKeys yields the cartesian product of the dimension ranges as
// flat (name, value, name, value, ...) key segments. The product of an empty
// range list is a single empty key.
func combinatorialKeys(ranges []dimRange) [][]string {
	if len(ranges) == 0 {
		return [][]string{{}}
	}

	rest := combinatorialKeys(ranges[1:])
	out := make([][]string, 0, len(ranges[0].values)*len(rest))
	for _, value := range ranges[0].values {
		for _, tail := range rest {
			key := make([]string, 0, 2+len(tail))
			key = append(key, ranges[0].name, value)
			key = append(key, tail...)
			out = append(out, key)
		}
	}
	return out
}
