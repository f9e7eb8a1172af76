package filter

import (
	"strings"
	"testing"
	"time"
)

func floatPtr(f float64) *float64 { return &f }

// --- Range tests ---

func TestNewRangeFilter_Valid(t *testing.T) {
	tests := []struct {
		name             string
		gt, gte, lt, lte *float64
	}{
		{"gt only", floatPtr(1), nil, nil, nil},
		{"gte only", nil, floatPtr(0), nil, nil},
		{"lt only", nil, nil, floatPtr(10), nil},
		{"lte only", nil, nil, nil, floatPtr(100)},
		{"gt+lt", floatPtr(0), nil, floatPtr(10), nil},
		{"gte+lte", nil, floatPtr(0), nil, floatPtr(10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRangeFilter(tt.gt, tt.gte, tt.lt, tt.lte)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (r.GT() == nil) != (tt.gt == nil) {
				t.Error("GT() mismatch")
			}
			if (r.GTE() == nil) != (tt.gte == nil) {
				t.Error("GTE() mismatch")
			}
			if (r.LT() == nil) != (tt.lt == nil) {
				t.Error("LT() mismatch")
			}
			if (r.LTE() == nil) != (tt.lte == nil) {
				t.Error("LTE() mismatch")
			}
		})
	}
}

func TestNewRangeFilter_Invalid(t *testing.T) {
	tests := []struct {
		name             string
		gt, gte, lt, lte *float64
		wantErr          string
	}{
		{"no boundary", nil, nil, nil, nil, "at least one"},
		{"gt and gte", floatPtr(1), floatPtr(1), nil, nil, "gt and gte"},
		{"lt and lte", nil, nil, floatPtr(1), floatPtr(1), "lt and lte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRangeFilter(tt.gt, tt.gte, tt.lt, tt.lte)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q", err)
			}
		})
	}
}

func TestRange_Contains(t *testing.T) {
	r, _ := NewRangeFilter(floatPtr(0), nil, nil, floatPtr(10))
	cases := map[float64]bool{-1: false, 0: false, 0.5: true, 10: true, 10.1: false}
	for v, want := range cases {
		if got := r.Contains(v); got != want {
			t.Errorf("Contains(%g) = %v, want %v", v, got, want)
		}
	}
}

// --- Condition tests ---

func TestNewMatch_Valid(t *testing.T) {
	c, err := NewMatch("observation_type", "flat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Key() != "observation_type" {
		t.Errorf("Key() = %q", c.Key())
	}
	if c.Value() != "flat" {
		t.Errorf("Value() = %v", c.Value())
	}
	if !c.IsMatch() || c.IsRange() {
		t.Error("expected match condition")
	}
}

func TestNewMatch_NormalizesNumbers(t *testing.T) {
	c, err := NewMatch("ccd", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := c.Value().(float64); !ok || v != 3 {
		t.Errorf("Value() = %#v, want float64(3)", c.Value())
	}
}

func TestNewMatch_Errors(t *testing.T) {
	if _, err := NewMatch("", "go"); err == nil || !strings.Contains(err.Error(), "key is required") {
		t.Errorf("empty key: err = %v", err)
	}
	if _, err := NewMatch("k", ""); err == nil || !strings.Contains(err.Error(), "match value") {
		t.Errorf("empty value: err = %v", err)
	}
	if _, err := NewMatch("k", []string{"x"}); err == nil {
		t.Error("expected error for slice value")
	}
}

func TestNewIn(t *testing.T) {
	c, err := NewIn("observation_type", "bias", "dark")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind() != KindIn || len(c.Values()) != 2 {
		t.Errorf("unexpected condition: %+v", c)
	}
	if _, err := NewIn("observation_type"); err == nil {
		t.Error("expected error for empty set")
	}
}

func TestBetween_UsesUnixSeconds(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	c := Between("date", from, to)
	if !c.IsRange() {
		t.Fatal("expected range")
	}
	if *c.Range().GTE() != UnixSeconds(from) || *c.Range().LTE() != UnixSeconds(to) {
		t.Errorf("unexpected bounds: %v %v", *c.Range().GTE(), *c.Range().LTE())
	}
	open := Between("date", time.Time{}, to)
	if open.Range().GTE() != nil {
		t.Error("zero lower bound should be open")
	}
}

func TestUnixSeconds_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 30, 15, 123_000_000, time.UTC)
	if got := FromUnixSeconds(UnixSeconds(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}

// --- Expression tests ---

func TestNewExpression_Valid(t *testing.T) {
	m, _ := NewMatch("camera_name", "cam00")
	expr, err := NewExpression([]Condition{m}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expr.Must()) != 1 || len(expr.Should()) != 0 || len(expr.MustNot()) != 0 {
		t.Error("unexpected group sizes")
	}
	if expr.IsEmpty() {
		t.Error("IsEmpty() = true for non-empty expression")
	}
}

func TestNewExpression_TooMany(t *testing.T) {
	conds := make([]Condition, MaxConditionsPerGroup+1)
	for i := range conds {
		conds[i] = Eq("k", "v")
	}
	if _, err := NewExpression(conds, nil, nil); err == nil || !strings.Contains(err.Error(), "too many must") {
		t.Errorf("must: err = %v", err)
	}
	if _, err := NewExpression(nil, conds, nil); err == nil || !strings.Contains(err.Error(), "too many should") {
		t.Errorf("should: err = %v", err)
	}
	if _, err := NewExpression(nil, nil, conds); err == nil || !strings.Contains(err.Error(), "too many must_not") {
		t.Errorf("must_not: err = %v", err)
	}
}

func TestFromFields_SortedAndSkipsUnsupported(t *testing.T) {
	expr := FromFields(map[string]any{
		"filter":      "g_band",
		"camera_name": "cam00",
		"metrics":     map[string]any{"x": 1},
	})
	must := expr.Must()
	if len(must) != 2 {
		t.Fatalf("expected 2 conditions, got %d", len(must))
	}
	if must[0].Key() != "camera_name" || must[1].Key() != "filter" {
		t.Errorf("unexpected order: %s, %s", must[0].Key(), must[1].Key())
	}
}

func TestMerge(t *testing.T) {
	a := And(Eq("a", "1"))
	b := Or(Eq("b", "2"), Eq("b", "3"))

	merged := a.Merge(b)
	if len(merged.Must()) != 2 {
		t.Fatalf("expected 2 must conditions, got %d", len(merged.Must()))
	}
	if merged.Must()[1].Kind() != KindGroup {
		t.Error("expected should-bearing expression to be grouped")
	}
	if len(a.Must()) != 1 {
		t.Error("Merge must not mutate the receiver")
	}

	flat := a.Merge(And(Eq("c", "4")))
	if len(flat.Must()) != 2 || flat.Must()[1].Kind() != KindMatch {
		t.Error("expected must-only expression to be inlined")
	}

	if got := All().Merge(a); len(got.Must()) != 1 {
		t.Error("merging into empty should return other")
	}
}

func TestKeys_IncludesGroups(t *testing.T) {
	expr := And(Eq("a", "1"), Group(Or(Eq("b", "2"), Group(Not(Eq("c", "3"))))))
	got := strings.Join(expr.Keys(), ",")
	if got != "a,b,c" {
		t.Errorf("Keys() = %q", got)
	}
}

func TestPrune(t *testing.T) {
	empty := In[string]("observation_type")

	tests := []struct {
		name     string
		expr     Expression
		wantOK   bool
		wantMust int
		wantShd  int
		wantNot  int
	}{
		{"plain", And(Eq("a", "1")), true, 1, 0, 0},
		{"must empty set", And(Eq("a", "1"), empty), false, 0, 0, 0},
		{"should drops empty set", Or(Eq("a", "1"), empty), true, 0, 1, 0},
		{"should all empty", Or(empty), false, 0, 0, 0},
		{"must_not empty set", Not(empty), true, 0, 0, 0},
		{"must_not all-match group", Not(Group(All())), false, 0, 0, 0},
		{"should with all-match group", Or(Eq("a", "1"), Group(All())), true, 0, 0, 0},
		{"nested unsatisfiable group", And(Group(And(empty))), false, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.expr.Prune()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if len(got.Must()) != tt.wantMust || len(got.Should()) != tt.wantShd || len(got.MustNot()) != tt.wantNot {
				t.Errorf("sizes = %d/%d/%d", len(got.Must()), len(got.Should()), len(got.MustNot()))
			}
		})
	}
}
