package analytics

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DimensionType enumerates the supported dimension value types.
type DimensionType string

const (
	DimensionInteger DimensionType = "integer"
	DimensionString  DimensionType = "string"
	DimensionDate    DimensionType = "date"
	DimensionWeek    DimensionType = "week"
	DimensionMonth   DimensionType = "month"
	DimensionYear    DimensionType = "year"
)

// dimensionTypes is the set of valid dimension types.
var dimensionTypes = map[DimensionType]struct{}{
	DimensionInteger: {},
	DimensionString:  {},
	DimensionDate:    {},
	DimensionWeek:    {},
	DimensionMonth:   {},
	DimensionYear:    {},
}

// InvalidValueError reports a dimension value that could not be parsed or
// expanded. Value carries the offending input.
type InvalidValueError struct {
	Value   string
	Message string
}

func (e *InvalidValueError) Error() string {
	return e.Message
}

func errInvalidDate(val string) error {
	return &InvalidValueError{Value: val, Message: fmt.Sprintf("invalid date '%s'", val)}
}

// canonicalDateFormat is the canonical form every date-family dimension
// normalizes to.
const canonicalDateFormat = "20060102"

// FormatDate renders a time in the canonical YYYYMMDD form.
func FormatDate(t time.Time) string {
	return t.Format(canonicalDateFormat)
}

// dateLayouts are tried in order by ParseDate. Longer and more specific
// layouts come first so that e.g. "20110801" is not consumed as a bare year.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-1-2 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	time.UnixDate,
	time.RFC1123,
	time.ANSIC,
	"20060102",
	"2006-01-02",
	"2006-1-2",
	"2006/01/02",
	"2006/1/2",
	"02-Jan-2006",
	"2-Jan-2006",
	"2-January-2006",
	"Jan-2-2006",
	"Jan-2 2006",
	"Jan 2 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2/1/2006",
	"2-1-2006",
	"Jan-2006",
	"Jan 2006",
	"January 2006",
	"1/2006",
	"2006",
}

// ParseDate parses a human date or timestamp string and returns the calendar
// date as midnight UTC. Impossible dates such as Feb 29 of a non-leap year
// fail.
func ParseDate(val string) (time.Time, error) {
	s := strings.TrimSpace(val)
	if s == "" {
		return time.Time{}, errInvalidDate(val)
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, errInvalidDate(val)
}

// snapMonday moves a date backward to the Monday of its ISO week.
func snapMonday(t time.Time) time.Time {
	return t.AddDate(0, 0, -((int(t.Weekday()) + 6) % 7))
}

// ValueString renders a transaction field value in its canonical string form.
// JSON numbers keep their source representation.
func ValueString(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// ParseValue normalizes a single transaction field value for the given
// dimension type. The result is the canonical string embedded in aggregate
// keys: decimal for integers, trimmed text for strings and YYYYMMDD for the
// date family.
func ParseValue(typ DimensionType, val interface{}) (string, error) {
	s := ValueString(val)

	switch typ {
	case DimensionInteger:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return "", &InvalidValueError{Value: s, Message: fmt.Sprintf("invalid integer value '%s'", s)}
		}
		return strconv.FormatInt(i, 10), nil

	case DimensionString:
		// ':' is the key delimiter and can never appear in a stored value.
		if strings.Contains(s, ":") {
			return "", &InvalidValueError{Value: s, Message: fmt.Sprintf("invalid value for string ('%s'), ':' is not allowed", s)}
		}
		return strings.TrimSpace(s), nil

	case DimensionDate:
		t, err := ParseDate(s)
		if err != nil {
			return "", err
		}
		return FormatDate(t), nil

	case DimensionWeek:
		t, err := ParseDate(s)
		if err != nil {
			return "", err
		}
		return FormatDate(snapMonday(t)), nil

	case DimensionMonth:
		t, err := ParseDate(s)
		if err != nil {
			return "", err
		}
		return FormatDate(time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)), nil

	case DimensionYear:
		t, err := ParseDate(s)
		if err != nil {
			return "", err
		}
		return FormatDate(time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)), nil
	}

	return "", &InvalidValueError{Value: s, Message: fmt.Sprintf("unknown dimension type '%s'", typ)}
}
