package analytics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rangeOperator denotes a closed range inside a slice expression, e.g.
// "1..5" or "20110801..20110803". Comma separates groups.
const rangeOperator = ".."

// Expand evaluates a slice range expression for the given dimension type and
// returns the set of canonical value strings it denotes.
func Expand(typ DimensionType, expr string) (map[string]struct{}, error) {
	switch typ {
	case DimensionInteger:
		return expandInteger(expr)
	case DimensionString:
		return expandString(expr)
	case DimensionDate, DimensionWeek, DimensionMonth, DimensionYear:
		return expandDateFamily(typ, expr)
	}
	return nil, &InvalidValueError{Value: expr, Message: fmt.Sprintf("unknown dimension type '%s'", typ)}
}

func expandInteger(expr string) (map[string]struct{}, error) {
	notParseable := &InvalidValueError{
		Value:   expr,
		Message: fmt.Sprintf("integer range '%s' not parseable", expr),
	}

	out := map[string]struct{}{}
	for _, group := range strings.Split(expr, ",") {
		if strings.Contains(group, rangeOperator) {
			bounds := strings.SplitN(group, rangeOperator, 2)
			start, err := strconv.ParseInt(strings.TrimSpace(bounds[0]), 10, 64)
			if err != nil {
				return nil, notParseable
			}
			end, err := strconv.ParseInt(strings.TrimSpace(bounds[1]), 10, 64)
			if err != nil {
				return nil, notParseable
			}
			if start > end {
				start, end = end, start
			}
			for i := start; i <= end; i++ {
				out[strconv.FormatInt(i, 10)] = struct{}{}
			}
			continue
		}

		i, err := strconv.ParseInt(strings.TrimSpace(group), 10, 64)
		if err != nil {
			return nil, notParseable
		}
		out[strconv.FormatInt(i, 10)] = struct{}{}
	}
	return out, nil
}

func expandString(expr string) (map[string]struct{}, error) {
	if strings.Contains(expr, rangeOperator) {
		return nil, &InvalidValueError{
			Value:   expr,
			Message: fmt.Sprintf("range operator is not supported for string ('%s')", expr),
		}
	}

	out := map[string]struct{}{}
	for _, group := range strings.Split(expr, ",") {
		val, err := ParseValue(DimensionString, group)
		if err != nil {
			return nil, err
		}
		out[val] = struct{}{}
	}
	return out, nil
}

func expandDateFamily(typ DimensionType, expr string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, group := range strings.Split(expr, ",") {
		if !strings.Contains(group, rangeOperator) {
			val, err := ParseValue(typ, group)
			if err != nil {
				return nil, err
			}
			out[val] = struct{}{}
			continue
		}

		bounds := strings.SplitN(group, rangeOperator, 2)
		from, err := ParseDate(bounds[0])
		if err != nil {
			return nil, err
		}
		to, err := ParseDate(bounds[1])
		if err != nil {
			return nil, err
		}
		for _, t := range iterateDates(typ, from, to) {
			out[FormatDate(t)] = struct{}{}
		}
	}
	return out, nil
}

// iterateDates walks the closed range [from, to] with the step unit of the
// dimension type: day, week (endpoints snapped to Monday), calendar month
// (day fixed at 1) or year (Jan 1). A reversed range iterates backward and
// covers the same dates.
func iterateDates(typ DimensionType, from, to time.Time) []time.Time {
	switch typ {
	case DimensionWeek:
		return stepDays(snapMonday(from), snapMonday(to), 7)
	case DimensionMonth:
		return stepMonths(from, to, 1)
	case DimensionYear:
		return stepMonths(from, to, 12)
	default:
		return stepDays(from, to, 1)
	}
}

func stepDays(from, to time.Time, days int) []time.Time {
	var out []time.Time
	if from.After(to) {
		for t := from; !t.Before(to); t = t.AddDate(0, 0, -days) {
			out = append(out, t)
		}
		return out
	}
	for t := from; !t.After(to); t = t.AddDate(0, 0, days) {
		out = append(out, t)
	}
	return out
}

// stepMonths iterates first-of-month (or first-of-year when months is 12)
// points between from and to inclusive. Month arithmetic is done on a linear
// month index so that no calendar normalization can skip a month.
func stepMonths(from, to time.Time, months int) []time.Time {
	start := from.Year()*12 + int(from.Month()) - 1
	end := to.Year()*12 + int(to.Month()) - 1
	if months == 12 {
		start = from.Year() * 12
		end = to.Year() * 12
	}

	step := months
	if start > end {
		step = -months
	}

	var out []time.Time
	for m := start; ; m += step {
		out = append(out, time.Date(m/12, time.Month(m%12+1), 1, 0, 0, 0, 0, time.UTC))
		if m == end {
			break
		}
		if (step > 0 && m+step > end) || (step < 0 && m+step < end) {
			break
		}
	}
	return out
}
