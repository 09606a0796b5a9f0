package keys

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Delimiter separates the segments of every composite key. Dimension
	// values are rejected at parse time if they contain it.
	Delimiter = ":"

	// Active is the config-db set holding the names of all active analytics.
	Active = "Analytics:Active"

	// WorkerCmdChannel is the pub/sub control channel the supervisor listens
	// on. The only defined message body is "refresh".
	WorkerCmdChannel = "AnalyticsWorkerCmd"

	refCountPrefix = "RefCount"
)

// ByName returns the config-db key holding the JSON definition of the named
// analytics.
func ByName(name string) string {
	return "Analytics:ByName:" + name
}

// Subscriptions returns the config-db key of the set of resource channels the
// named analytics subscribes to.
func Subscriptions(name string) string {
	return ByName(name) + ":Subscriptions"
}

// ActiveAnalytics returns the config-db key of the set of analytics names
// subscribed to the given resource channel.
func ActiveAnalytics(channel string) string {
	return "Subscriptions:" + channel + ":ActiveAnalytics"
}

// RefCount returns the data-db key of the hash tracking observed values of a
// query-only dimension under the given slice key segment.
func RefCount(sliceKey, dimension string) string {
	return Construct(refCountPrefix, sliceKey, dimension)
}

// Construct builds a colon-delimited composite key. Arguments are flattened
// recursively, nils and empty strings are dropped and the remaining scalars
// are stringified and joined. An empty argument list yields "".
func Construct(args ...interface{}) string {
	flattened := flatten(args, nil)
	return strings.Join(flattened, Delimiter)
}

func flatten(args []interface{}, out []string) []string {
	for _, arg := range args {
		switch v := arg.(type) {
		case nil:
			continue
		case []interface{}:
			out = flatten(v, out)
		case []string:
			for _, s := range v {
				if s == "" {
					continue
				}
				out = append(out, s)
			}
		case string:
			if v == "" {
				continue
			}
			out = append(out, v)
		case int:
			out = append(out, strconv.Itoa(v))
		case int64:
			out = append(out, strconv.FormatInt(v, 10))
		default:
			s := fmt.Sprint(v)
			if s == "" {
				continue
			}
			out = append(out, s)
		}
	}
	return out
}
