package filter

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// MaxConditionsPerGroup is the maximum number of conditions per filter group.
const MaxConditionsPerGroup = 64

// Expression is a structured filter with must/should/must_not boolean semantics.
// An expression with an empty should group places no constraint through it.
type Expression struct {
	must    []Condition
	should  []Condition
	mustNot []Condition
}

// NewExpression validates and creates a filter Expression.
func NewExpression(must, should, mustNot []Condition) (Expression, error) {
	if len(must) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many must conditions (max %d)", MaxConditionsPerGroup)
	}
	if len(should) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many should conditions (max %d)", MaxConditionsPerGroup)
	}
	if len(mustNot) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many must_not conditions (max %d)", MaxConditionsPerGroup)
	}
	return Expression{must: must, should: should, mustNot: mustNot}, nil
}

// All is the empty expression matching every document.
func All() Expression { return Expression{} }

// And returns an expression requiring every condition.
func And(conds ...Condition) Expression {
	return Expression{must: append([]Condition(nil), conds...)}
}

// Or returns an expression requiring at least one condition.
func Or(conds ...Condition) Expression {
	return Expression{should: append([]Condition(nil), conds...)}
}

// Not returns an expression rejecting documents matching any condition.
func Not(conds ...Condition) Expression {
	return Expression{mustNot: append([]Condition(nil), conds...)}
}

// FromFields builds an equality expression over flat field values, in key order.
// Values that cannot be matched (nil, maps, slices) are skipped.
func FromFields(fields map[string]any) Expression {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(keys))
	for _, k := range keys {
		v, err := Normalize(fields[k])
		if err != nil {
			continue
		}
		conds = append(conds, Condition{key: k, kind: KindMatch, value: v})
	}
	return Expression{must: conds}
}

// Must returns the must conditions.
func (e Expression) Must() []Condition { return e.must }

// Should returns the should conditions.
func (e Expression) Should() []Condition { return e.should }

// MustNot returns the must-not conditions.
func (e Expression) MustNot() []Condition { return e.mustNot }

// IsEmpty reports whether the expression has no conditions.
func (e Expression) IsEmpty() bool {
	return len(e.must) == 0 && len(e.should) == 0 && len(e.mustNot) == 0
}

// With returns a copy of e with additional must conditions.
func (e Expression) With(conds ...Condition) Expression {
	out := e.clone()
	out.must = append(out.must, conds...)
	return out
}

// Merge returns the conjunction of e and other.
func (e Expression) Merge(other Expression) Expression {
	switch {
	case other.IsEmpty():
		return e
	case e.IsEmpty():
		return other
	}
	out := e.clone()
	if len(other.should) == 0 {
		out.must = append(out.must, other.must...)
		out.mustNot = append(out.mustNot, other.mustNot...)
		return out
	}
	out.must = append(out.must, Group(other))
	return out
}

// Keys returns every field name referenced by the expression, including nested groups.
func (e Expression) Keys() []string {
	seen := make(map[string]bool)
	var walk func(Expression)
	walk = func(x Expression) {
		for _, group := range [][]Condition{x.must, x.should, x.mustNot} {
			for _, c := range group {
				if c.kind == KindGroup {
					walk(*c.group)
					continue
				}
				seen[c.key] = true
			}
		}
	}
	walk(e)

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prune removes conditions with a constant outcome (empty set membership,
// empty groups). It returns false when the expression can never match.
func (e Expression) Prune() (Expression, bool) {
	var out Expression
	for _, c := range e.must {
		switch c.constant() {
		case constFalse:
			return Expression{}, false
		case constTrue:
			continue
		}
		out.must = append(out.must, c.pruned())
	}

	shouldTrue := false
	for _, c := range e.should {
		switch c.constant() {
		case constFalse:
			continue
		case constTrue:
			shouldTrue = true
		}
		out.should = append(out.should, c.pruned())
	}
	switch {
	case shouldTrue:
		out.should = nil
	case len(e.should) > 0 && len(out.should) == 0:
		return Expression{}, false
	}

	for _, c := range e.mustNot {
		switch c.constant() {
		case constTrue:
			return Expression{}, false
		case constFalse:
			continue
		}
		out.mustNot = append(out.mustNot, c.pruned())
	}
	return out, true
}

type constness int

const (
	constNone constness = iota
	constTrue
	constFalse
)

func (c Condition) constant() constness {
	switch c.kind {
	case KindIn:
		if len(c.values) == 0 {
			return constFalse
		}
	case KindGroup:
		g, ok := c.group.Prune()
		if !ok {
			return constFalse
		}
		if g.IsEmpty() {
			return constTrue
		}
	}
	return constNone
}

func (c Condition) pruned() Condition {
	if c.kind != KindGroup {
		return c
	}
	g, _ := c.group.Prune()
	return Condition{kind: KindGroup, group: &g}
}

func (e Expression) clone() Expression {
	return Expression{
		must:    append([]Condition(nil), e.must...),
		should:  append([]Condition(nil), e.should...),
		mustNot: append([]Condition(nil), e.mustNot...),
	}
}

// Kind enumerates condition types.
type Kind int

const (
	// KindMatch is an exact equality on a scalar value.
	KindMatch Kind = iota
	// KindIn is set membership.
	KindIn
	// KindRange is a numeric range.
	KindRange
	// KindGroup is a nested expression.
	KindGroup
)

// Condition is a single filter clause.
type Condition struct {
	key       string
	kind      Kind
	value     any
	values    []any
	rangeExpr *Range
	group     *Expression
}

// NewMatch creates an exact match condition. value is a string, bool, number or time.Time.
func NewMatch(key string, value any) (Condition, error) {
	if key == "" {
		return Condition{}, fmt.Errorf("filter key is required")
	}
	if s, ok := value.(string); ok && s == "" {
		return Condition{}, fmt.Errorf("match value is required for key %q", key)
	}
	v, err := Normalize(value)
	if err != nil {
		return Condition{}, fmt.Errorf("match value for key %q: %w", key, err)
	}
	return Condition{key: key, kind: KindMatch, value: v}, nil
}

// NewIn creates a set membership condition.
func NewIn(key string, values ...any) (Condition, error) {
	if key == "" {
		return Condition{}, fmt.Errorf("filter key is required")
	}
	if len(values) == 0 {
		return Condition{}, fmt.Errorf("at least one value is required for key %q", key)
	}
	norm := make([]any, len(values))
	for i, v := range values {
		n, err := Normalize(v)
		if err != nil {
			return Condition{}, fmt.Errorf("in value for key %q: %w", key, err)
		}
		norm[i] = n
	}
	return Condition{key: key, kind: KindIn, values: norm}, nil
}

// NewRange creates a numeric range condition.
func NewRange(key string, r Range) (Condition, error) {
	if key == "" {
		return Condition{}, fmt.Errorf("filter key is required")
	}
	return Condition{key: key, kind: KindRange, rangeExpr: &r}, nil
}

// Eq is NewMatch for values known to be valid. Invalid values produce a
// condition that matches nothing.
func Eq(key string, value any) Condition {
	v, err := Normalize(value)
	if err != nil {
		return Condition{key: key, kind: KindIn}
	}
	return Condition{key: key, kind: KindMatch, value: v}
}

// In is NewIn for values known to be valid.
func In[T any](key string, values ...T) Condition {
	norm := make([]any, 0, len(values))
	for _, v := range values {
		if n, err := Normalize(v); err == nil {
			norm = append(norm, n)
		}
	}
	return Condition{key: key, kind: KindIn, values: norm}
}

// Between is an inclusive time range on key. Zero bounds are open.
func Between(key string, from, to time.Time) Condition {
	var r Range
	if !from.IsZero() {
		v := UnixSeconds(from)
		r.gte = &v
	}
	if !to.IsZero() {
		v := UnixSeconds(to)
		r.lte = &v
	}
	return Condition{key: key, kind: KindRange, rangeExpr: &r}
}

// Group wraps an expression as a single condition.
func Group(e Expression) Condition {
	g := e.clone()
	return Condition{kind: KindGroup, group: &g}
}

// Key returns the field name.
func (c Condition) Key() string { return c.key }

// Kind returns the condition type.
func (c Condition) Kind() Kind { return c.kind }

// Value returns the exact match value (string, float64 or bool).
func (c Condition) Value() any { return c.value }

// Values returns the set membership values.
func (c Condition) Values() []any { return c.values }

// Range returns the numeric range expression.
func (c Condition) Range() *Range { return c.rangeExpr }

// Group returns the nested expression of a group condition.
func (c Condition) Group() *Expression { return c.group }

// IsMatch reports whether this is a match condition.
func (c Condition) IsMatch() bool { return c.kind == KindMatch }

// IsRange reports whether this is a range condition.
func (c Condition) IsRange() bool { return c.kind == KindRange }

// Range is a numeric range with gt/gte/lt/lte boundaries.
type Range struct {
	gt  *float64
	gte *float64
	lt  *float64
	lte *float64
}

// NewRangeFilter validates and creates a Range.
// At least one boundary required. gt/gte and lt/lte are mutually exclusive.
func NewRangeFilter(gt, gte, lt, lte *float64) (Range, error) {
	if gt == nil && gte == nil && lt == nil && lte == nil {
		return Range{}, fmt.Errorf("at least one range boundary is required")
	}
	if gt != nil && gte != nil {
		return Range{}, fmt.Errorf("cannot specify both gt and gte")
	}
	if lt != nil && lte != nil {
		return Range{}, fmt.Errorf("cannot specify both lt and lte")
	}
	return Range{gt: gt, gte: gte, lt: lt, lte: lte}, nil
}

// GT returns the lower exclusive bound.
func (r Range) GT() *float64 { return r.gt }

// GTE returns the lower inclusive bound.
func (r Range) GTE() *float64 { return r.gte }

// LT returns the upper exclusive bound.
func (r Range) LT() *float64 { return r.lt }

// LTE returns the upper inclusive bound.
func (r Range) LTE() *float64 { return r.lte }

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	if r.gt != nil && !(v > *r.gt) {
		return false
	}
	if r.gte != nil && v < *r.gte {
		return false
	}
	if r.lt != nil && !(v < *r.lt) {
		return false
	}
	if r.lte != nil && v > *r.lte {
		return false
	}
	return true
}

// UnixSeconds encodes t as fractional unix seconds with millisecond precision.
// This is the storage and query representation of every time value.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// FromUnixSeconds decodes a value produced by UnixSeconds.
func FromUnixSeconds(v float64) time.Time {
	return time.UnixMilli(int64(math.Round(v * 1000))).UTC()
}

// Normalize converts a scalar to its query representation: string, float64 or bool.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return x, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case time.Time:
		return UnixSeconds(x), nil
	case nil:
		return nil, fmt.Errorf("nil value")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
