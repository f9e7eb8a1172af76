package metric

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
)

func constant(name string, out map[string]any) Named {
	return Named{Name: name, Func: func(context.Context, Input) (map[string]any, error) {
		return out, nil
	}}
}

func failing(name string) Named {
	return Named{Name: name, Func: func(context.Context, Input) (map[string]any, error) {
		return nil, errors.New("boom")
	}}
}

func TestEvaluate_AggregatesMetrics(t *testing.T) {
	e := NewEvaluator(zap.NewNop(),
		constant("a", map[string]any{"x": 1.0}),
		constant("b", map[string]any{"y": 2.0}),
	)

	res := e.Evaluate(context.Background(), Input{Filename: "f.fits"})
	if !res.Success {
		t.Fatalf("expected success, failed = %v", res.Failed)
	}
	if res.Metrics["x"] != 1.0 || res.Metrics["y"] != 2.0 {
		t.Errorf("metrics = %v", res.Metrics)
	}
}

func TestEvaluate_IsolatesFailures(t *testing.T) {
	e := NewEvaluator(zap.NewNop(),
		failing("bad"),
		constant("good", map[string]any{"y": 2.0}),
	)

	res := e.Evaluate(context.Background(), Input{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.Failed) != 1 || res.Failed[0] != "bad" {
		t.Errorf("failed = %v", res.Failed)
	}
	if res.Metrics["y"] != 2.0 {
		t.Errorf("later metric should still run, metrics = %v", res.Metrics)
	}
}

func TestEvaluate_RecoversPanic(t *testing.T) {
	e := NewEvaluator(zap.NewNop(), Named{Name: "panics", Func: func(context.Context, Input) (map[string]any, error) {
		panic("unexpected")
	}})

	res := e.Evaluate(context.Background(), Input{})
	if res.Success || len(res.Failed) != 1 {
		t.Fatalf("expected recovered failure, got %+v", res)
	}
}

func TestEvaluate_DuplicateKeyFailsLaterMetric(t *testing.T) {
	e := NewEvaluator(zap.NewNop(),
		constant("first", map[string]any{"x": 1.0}),
		constant("second", map[string]any{"x": 5.0, "z": 3.0}),
	)

	res := e.Evaluate(context.Background(), Input{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.Failed) != 1 || res.Failed[0] != "second" {
		t.Errorf("failed = %v", res.Failed)
	}
	if res.Metrics["x"] != 1.0 {
		t.Errorf("x = %v, want first metric's value", res.Metrics["x"])
	}
	if _, ok := res.Metrics["z"]; ok {
		t.Error("output of the failed metric must be dropped")
	}
}

func TestWithout(t *testing.T) {
	e := NewEvaluator(zap.NewNop(), failing("a"), constant("b", nil), failing("c")).Without("a", "c")

	if got := e.Names(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("names = %v", got)
	}
	if res := e.Evaluate(context.Background(), Input{}); !res.Success {
		t.Errorf("expected success, failed = %v", res.Failed)
	}
}

func TestRaw_UnknownName(t *testing.T) {
	if _, err := Raw([]string{"clipped_stats", "nope"}, RawOptions{BitDepthKey: "BITDEPTH"}); err == nil {
		t.Fatal("expected error")
	}
}

func frame(w, h int, fn func(x, y int) float64) Input {
	data := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data = append(data, fn(x, y))
		}
	}
	return Input{Filename: "f.fits", Header: map[string]any{"BITDEPTH": 12}, Data: data, Width: w, Height: h}
}

func TestClippedStats(t *testing.T) {
	in := frame(10, 10, func(x, y int) float64 {
		if x == 0 && y == 0 {
			return 1e6 // hot pixel, clipped away
		}
		return 100
	})

	out, err := ClippedStats("BITDEPTH")(context.Background(), in)
	if err != nil {
		t.Fatalf("ClippedStats: %v", err)
	}
	if out["clipped_median"] != 100.0 || out["clipped_mean"] != 100.0 {
		t.Errorf("stats = %v", out)
	}
	if out["clipped_std"] != 0.0 {
		t.Errorf("clipped_std = %v, want 0", out["clipped_std"])
	}
	want := 100.0 / 4095
	if got := out["well_fullfrac"].(float64); math.Abs(got-want) > 1e-12 {
		t.Errorf("well_fullfrac = %v, want %v", got, want)
	}
}

func TestClippedStats_Errors(t *testing.T) {
	fn := ClippedStats("BITDEPTH")

	if _, err := fn(context.Background(), Input{Header: map[string]any{"BITDEPTH": 12}}); !errors.Is(err, ErrNoPixelData) {
		t.Errorf("expected ErrNoPixelData, got %v", err)
	}
	in := frame(2, 2, func(int, int) float64 { return 1 })
	in.Header = map[string]any{}
	if _, err := fn(context.Background(), in); err == nil {
		t.Error("expected error for missing bit depth")
	}
}

func TestFlippedAsymmetry(t *testing.T) {
	tests := []struct {
		name  string
		in    Input
		wantH bool // non-zero horizontal asymmetry
		wantV bool
	}{
		{"uniform", frame(4, 4, func(int, int) float64 { return 7 }), false, false},
		{"x gradient", frame(4, 4, func(x, _ int) float64 { return float64(x) }), true, false},
		{"y gradient", frame(4, 4, func(_, y int) float64 { return float64(y) }), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := FlippedAsymmetry(context.Background(), tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got := out["flip_asymm_h"].(float64) > 0; got != tt.wantH {
				t.Errorf("flip_asymm_h = %v", out["flip_asymm_h"])
			}
			if got := out["flip_asymm_v"].(float64) > 0; got != tt.wantV {
				t.Errorf("flip_asymm_v = %v", out["flip_asymm_v"])
			}
		})
	}
}

func TestHeaderWCS(t *testing.T) {
	out, _ := HeaderWCS(context.Background(), Input{Header: map[string]any{
		"CTYPE1": "RA---TAN", "CTYPE2": "DEC--TAN", "CRVAL1": 10.5, "CRVAL2": -30.0,
	}})
	if out["has_wcs"] != true || out["ra_cen"] != 10.5 || out["dec_cen"] != -30.0 {
		t.Errorf("got %v", out)
	}

	out, _ = HeaderWCS(context.Background(), Input{Header: map[string]any{}})
	if out["has_wcs"] != false {
		t.Errorf("got %v", out)
	}
}
