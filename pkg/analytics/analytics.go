package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// MeasureType enumerates the supported aggregate update primitives.
type MeasureType string

const (
	MeasureCount      MeasureType = "count"
	MeasureScore      MeasureType = "score"
	MeasureHeat       MeasureType = "heat"
	MeasureUnique     MeasureType = "unique"
	MeasureCountFloat MeasureType = "count_float"
	MeasureScoreFloat MeasureType = "score_float"
	MeasureHeatFloat  MeasureType = "heat_float"
)

var measureTypes = map[MeasureType]struct{}{
	MeasureCount:      {},
	MeasureScore:      {},
	MeasureHeat:       {},
	MeasureUnique:     {},
	MeasureCountFloat: {},
	MeasureScoreFloat: {},
	MeasureHeatFloat:  {},
}

// IsFloat reports whether the measure stores a float value, read back with
// float coercion by the browser.
func (m MeasureType) IsFloat() bool {
	switch m {
	case MeasureCountFloat, MeasureScoreFloat, MeasureHeatFloat:
		return true
	}
	return false
}

// measureTypesRequiringField are measure types that read a transaction field.
var measureTypesRequiringField = map[MeasureType]struct{}{
	MeasureScore:      {},
	MeasureScoreFloat: {},
	MeasureUnique:     {},
}

// Dimension maps a typed dimension to its source field in the transaction.
type Dimension struct {
	Type  DimensionType
	Field string
}

// Condition filters a measure on one transaction field. Exactly one of the
// equals / not_equals filters is set; a JSON null filter value counts as set
// for validation but never matches at evaluation time.
type Condition struct {
	Field        string
	Equals       interface{}
	NotEquals    interface{}
	HasEquals    bool
	HasNotEquals bool
}

// Measure maps a measure to its update primitive, the resource channel whose
// transactions feed it, the optional source field and optional conditions.
type Measure struct {
	Type       MeasureType
	Resource   string
	Field      string
	Conditions []Condition
}

// Definition is a validated analytics definition. The open-ended JSON
// mapping is not preserved past validation; dimensions and measures are kept
// as typed records.
type Definition struct {
	Name            string
	Description     string
	QueryDimensions []string
	SliceDimensions []string
	Measures        []string
	DataDB          int

	dimensions map[string]Dimension
	measures   map[string]Measure
}

// InvalidDefinitionError reports a JSON parse failure or a violated
// definition invariant.
type InvalidDefinitionError struct {
	Message string
}

func (e *InvalidDefinitionError) Error() string {
	return e.Message
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidDefinitionError{Message: fmt.Sprintf(format, args...)}
}

var topKeys = map[string]struct{}{
	"name":             {},
	"description":      {},
	"query_dimensions": {},
	"slice_dimensions": {},
	"data_db":          {},
	"measures":         {},
	"mapping":          {},
}

// payloadJSON decodes with UseNumber so numeric values keep their source
// representation; condition filter values are decoded the same way so they
// compare cleanly against transaction fields.
var payloadJSON = jsoniter.Config{UseNumber: true}.Froze()

// Parse deserializes and validates an analytics definition. It returns
// *InvalidDefinitionError when the JSON is not parseable or any invariant of
// the definition does not hold.
func Parse(data []byte) (*Definition, error) {
	var doc map[string]json.RawMessage
	if err := payloadJSON.Unmarshal(data, &doc); err != nil {
		return nil, invalidf("definition is not parseable: %s", err)
	}

	for key := range doc {
		if _, ok := topKeys[key]; !ok {
			return nil, invalidf("Definition has unexpected key '%s'", key)
		}
	}

	d := &Definition{
		dimensions: map[string]Dimension{},
		measures:   map[string]Measure{},
	}

	raw, ok := doc["name"]
	if !ok {
		return nil, invalidf("Definition doesn't have 'name'")
	}
	if err := payloadJSON.Unmarshal(raw, &d.Name); err != nil {
		return nil, invalidf("Definition 'name' is not a string: %s", err)
	}
	if strings.Contains(d.Name, ":") {
		return nil, invalidf("Analytics name cannot contain ':'")
	}

	if raw, ok := doc["description"]; ok {
		if err := payloadJSON.Unmarshal(raw, &d.Description); err != nil {
			return nil, invalidf("Definition 'description' is not a string: %s", err)
		}
	}

	if raw, ok := doc["measures"]; !ok {
		return nil, invalidf("Definition doesn't contain 'measures' array")
	} else if err := payloadJSON.Unmarshal(raw, &d.Measures); err != nil {
		return nil, invalidf("Definition 'measures' is not an array of strings: %s", err)
	}

	if raw, ok := doc["query_dimensions"]; !ok {
		return nil, invalidf("Definition doesn't contain 'query_dimensions' array")
	} else if err := payloadJSON.Unmarshal(raw, &d.QueryDimensions); err != nil {
		return nil, invalidf("Definition 'query_dimensions' is not an array of strings: %s", err)
	}

	if raw, ok := doc["slice_dimensions"]; !ok {
		return nil, invalidf("Definition doesn't contain 'slice_dimensions' array")
	} else if err := payloadJSON.Unmarshal(raw, &d.SliceDimensions); err != nil {
		return nil, invalidf("Definition 'slice_dimensions' is not an array of strings: %s", err)
	}

	if raw, ok := doc["data_db"]; ok {
		if err := payloadJSON.Unmarshal(raw, &d.DataDB); err != nil {
			return nil, invalidf("Definition 'data_db' is not an integer: %s", err)
		}
	}

	rawMapping, ok := doc["mapping"]
	if !ok {
		return nil, invalidf("Definition doesn't contain 'mapping' dictionary")
	}
	var mapping map[string]map[string]json.RawMessage
	if err := payloadJSON.Unmarshal(rawMapping, &mapping); err != nil {
		return nil, invalidf("Definition 'mapping' is not a dictionary: %s", err)
	}

	if len(d.Measures) == 0 {
		return nil, invalidf("Definition should contain atleast one measure")
	}

	mapped := map[string]struct{}{}

	for _, name := range d.Measures {
		spec, ok := mapping[name]
		if !ok {
			return nil, invalidf("Measure '%s' doesn't have a mapping", name)
		}
		mapped[name] = struct{}{}

		m, err := parseMeasure(name, spec)
		if err != nil {
			return nil, err
		}
		d.measures[name] = m
	}

	for _, name := range append(append([]string{}, d.QueryDimensions...), d.SliceDimensions...) {
		spec, ok := mapping[name]
		if !ok {
			return nil, invalidf("Dimension '%s' doesn't have a mapping", name)
		}
		mapped[name] = struct{}{}

		dim, err := parseDimension(name, spec)
		if err != nil {
			return nil, err
		}
		d.dimensions[name] = dim
	}

	var unmapped []string
	for name := range mapping {
		if _, ok := mapped[name]; !ok {
			unmapped = append(unmapped, name)
		}
	}
	if len(unmapped) > 0 {
		sort.Strings(unmapped)
		return nil, invalidf("Unmapped keys in mapping: [%s]", strings.Join(unmapped, ","))
	}

	return d, nil
}

func parseMeasure(name string, spec map[string]json.RawMessage) (Measure, error) {
	var m Measure

	raw, ok := spec["resource"]
	if !ok {
		return m, invalidf("Measure '%s' is missing 'resource'", name)
	}
	if err := payloadJSON.Unmarshal(raw, &m.Resource); err != nil {
		return m, invalidf("Measure '%s' 'resource' is not a string: %s", name, err)
	}

	raw, ok = spec["type"]
	if !ok {
		return m, invalidf("Measure '%s' is missing 'type'", name)
	}
	var typ string
	if err := payloadJSON.Unmarshal(raw, &typ); err != nil {
		return m, invalidf("Measure '%s' 'type' is not a string: %s", name, err)
	}
	m.Type = MeasureType(typ)
	if _, ok := measureTypes[m.Type]; !ok {
		return m, invalidf("Measure '%s' type '%s' is not a valid measure type", name, typ)
	}

	if raw, ok := spec["field"]; ok {
		if err := payloadJSON.Unmarshal(raw, &m.Field); err != nil {
			return m, invalidf("Measure '%s' 'field' is not a string: %s", name, err)
		}
	}
	if _, needsField := measureTypesRequiringField[m.Type]; needsField && m.Field == "" {
		return m, invalidf("Measure '%s' has type '%s' but missing 'field'", name, typ)
	}

	if raw, ok := spec["conditions"]; ok {
		var rawConditions []map[string]json.RawMessage
		if err := payloadJSON.Unmarshal(raw, &rawConditions); err != nil {
			return m, invalidf("Measure '%s' 'conditions' is not an array: %s", name, err)
		}
		for _, rawCond := range rawConditions {
			cond, err := parseCondition(name, rawCond)
			if err != nil {
				return m, err
			}
			m.Conditions = append(m.Conditions, cond)
		}
	}

	return m, nil
}

func parseCondition(measure string, spec map[string]json.RawMessage) (Condition, error) {
	var c Condition

	raw, ok := spec["field"]
	if !ok {
		return c, invalidf("Conditional measure '%s' missing 'field' in one of the conditions", measure)
	}
	if err := payloadJSON.Unmarshal(raw, &c.Field); err != nil {
		return c, invalidf("Conditional measure '%s' condition 'field' is not a string: %s", measure, err)
	}

	filters := 0
	if raw, ok := spec["equals"]; ok {
		c.HasEquals = true
		filters++
		if err := payloadJSON.Unmarshal(raw, &c.Equals); err != nil {
			return c, invalidf("Conditional measure '%s' field '%s' has an unreadable 'equals': %s", measure, c.Field, err)
		}
	}
	if raw, ok := spec["not_equals"]; ok {
		c.HasNotEquals = true
		filters++
		if err := payloadJSON.Unmarshal(raw, &c.NotEquals); err != nil {
			return c, invalidf("Conditional measure '%s' field '%s' has an unreadable 'not_equals': %s", measure, c.Field, err)
		}
	}
	if filters == 0 {
		return c, invalidf("Conditional measure '%s' field '%s' has no conditions", measure, c.Field)
	}
	if filters > 1 {
		return c, invalidf("Conditional measure '%s' field '%s' has > 1 conditions", measure, c.Field)
	}

	return c, nil
}

func parseDimension(name string, spec map[string]json.RawMessage) (Dimension, error) {
	var dim Dimension

	raw, ok := spec["type"]
	if !ok {
		return dim, invalidf("Dimension '%s' is missing 'type'", name)
	}
	var typ string
	if err := payloadJSON.Unmarshal(raw, &typ); err != nil {
		return dim, invalidf("Dimension '%s' 'type' is not a string: %s", name, err)
	}
	dim.Type = DimensionType(typ)
	if _, ok := dimensionTypes[dim.Type]; !ok {
		return dim, invalidf("Dimension '%s' type '%s' is not valid dimension type", name, typ)
	}

	raw, ok = spec["field"]
	if !ok {
		return dim, invalidf("Dimension '%s' is missing 'field'", name)
	}
	if err := payloadJSON.Unmarshal(raw, &dim.Field); err != nil {
		return dim, invalidf("Dimension '%s' 'field' is not a string: %s", name, err)
	}

	return dim, nil
}

// Dimension returns the typed spec of a dimension name.
func (d *Definition) Dimension(name string) (Dimension, bool) {
	dim, ok := d.dimensions[name]
	return dim, ok
}

// Measure returns the typed spec of a measure name.
func (d *Definition) Measure(name string) (Measure, bool) {
	m, ok := d.measures[name]
	return m, ok
}

// Resources returns the sorted set of resource channels referenced by the
// definition's measures.
func (d *Definition) Resources() []string {
	set := map[string]struct{}{}
	for _, m := range d.measures {
		set[m.Resource] = struct{}{}
	}
	return sortedKeys(set)
}

// QueryOnlyDimensions returns the sorted dimensions that appear in
// query_dimensions but not slice_dimensions (qnos).
func (d *Definition) QueryOnlyDimensions() []string {
	return sortedDifference(d.QueryDimensions, d.SliceDimensions)
}

// SliceOnlyDimensions returns the sorted dimensions that appear in
// slice_dimensions but not query_dimensions (snoq).
func (d *Definition) SliceOnlyDimensions() []string {
	return sortedDifference(d.SliceDimensions, d.QueryDimensions)
}

// SetDataDB overrides the store database index holding the aggregates.
func (d *Definition) SetDataDB(db int) {
	d.DataDB = db
}

// SerializeJSON renders the definition back to its JSON document form with
// sorted keys and 2-space indentation.
func (d *Definition) SerializeJSON() ([]byte, error) {
	mapping := map[string]interface{}{}
	for name, dim := range d.dimensions {
		mapping[name] = map[string]interface{}{
			"type":  string(dim.Type),
			"field": dim.Field,
		}
	}
	for name, m := range d.measures {
		spec := map[string]interface{}{
			"type":     string(m.Type),
			"resource": m.Resource,
		}
		if m.Field != "" {
			spec["field"] = m.Field
		}
		if len(m.Conditions) > 0 {
			var conditions []interface{}
			for _, c := range m.Conditions {
				cond := map[string]interface{}{"field": c.Field}
				if c.HasEquals {
					cond["equals"] = c.Equals
				}
				if c.HasNotEquals {
					cond["not_equals"] = c.NotEquals
				}
				conditions = append(conditions, cond)
			}
			spec["conditions"] = conditions
		}
		mapping[name] = spec
	}

	doc := map[string]interface{}{
		"name":             d.Name,
		"query_dimensions": d.QueryDimensions,
		"slice_dimensions": d.SliceDimensions,
		"measures":         d.Measures,
		"mapping":          mapping,
	}
	if d.Description != "" {
		doc["description"] = d.Description
	}
	if d.DataDB != 0 {
		doc["data_db"] = d.DataDB
	}

	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(doc, "", "  ")
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedDifference(a, b []string) []string {
	exclude := map[string]struct{}{}
	for _, v := range b {
		exclude[v] = struct{}{}
	}
	set := map[string]struct{}{}
	for _, v := range a {
		if _, ok := exclude[v]; !ok {
			set[v] = struct{}{}
		}
	}
	return sortedKeys(set)
}
