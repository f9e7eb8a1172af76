package metric

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Names of the built-in raw metrics.
const (
	ClippedStatsName     = "clipped_stats"
	FlippedAsymmetryName = "flipped_asymmetry"
	HeaderWCSName        = "header_wcs"
)

// Sigma clipping parameters.
const (
	clipSigma   = 3.0
	clipMaxIter = 5
)

// RawOptions configures the built-in raw metrics.
type RawOptions struct {
	BitDepthKey string // header key holding the ADC bit depth
}

// Raw returns the built-in raw metrics selected by names, in that order.
func Raw(names []string, opts RawOptions) ([]Named, error) {
	builtins := map[string]Func{
		ClippedStatsName:     ClippedStats(opts.BitDepthKey),
		FlippedAsymmetryName: FlippedAsymmetry,
		HeaderWCSName:        HeaderWCS,
	}
	out := make([]Named, 0, len(names))
	for _, n := range names {
		fn, ok := builtins[n]
		if !ok {
			return nil, fmt.Errorf("unknown raw metric %q", n)
		}
		out = append(out, Named{Name: n, Func: fn})
	}
	return out, nil
}

// DefaultRaw lists the raw metrics enabled when configuration names none.
func DefaultRaw() []string {
	return []string{HeaderWCSName, ClippedStatsName, FlippedAsymmetryName}
}

// ClippedStats computes sigma-clipped mean, median and standard deviation, and
// the well fullness implied by the clipped median and the header bit depth.
func ClippedStats(bitDepthKey string) Func {
	return func(_ context.Context, in Input) (map[string]any, error) {
		if !in.hasPixels() {
			return nil, ErrNoPixelData
		}
		bitDepth, ok := headerFloat(in.Header, bitDepthKey)
		if !ok || bitDepth <= 0 {
			return nil, fmt.Errorf("header has no usable %s", bitDepthKey)
		}

		clipped := sigmaClip(in.Data, clipSigma, clipMaxIter)
		if len(clipped) == 0 {
			return nil, fmt.Errorf("no finite pixels")
		}
		mean, std := stat.PopMeanStdDev(clipped, nil)
		med := median(clipped)
		saturate := math.Pow(2, bitDepth) - 1

		return map[string]any{
			"clipped_mean":   mean,
			"clipped_median": med,
			"clipped_std":    std,
			"well_fullfrac":  med / saturate,
		}, nil
	}
}

// FlippedAsymmetry measures the spread of the difference between the image
// and its horizontal and vertical mirror images.
func FlippedAsymmetry(_ context.Context, in Input) (map[string]any, error) {
	if !in.hasPixels() {
		return nil, ErrNoPixelData
	}
	h := make([]float64, 0, len(in.Data))
	v := make([]float64, 0, len(in.Data))
	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			p := in.Pixel(x, y)
			h = append(h, p-in.Pixel(in.Width-1-x, y))
			v = append(v, p-in.Pixel(x, in.Height-1-y))
		}
	}
	_, stdH := stat.PopMeanStdDev(h, nil)
	_, stdV := stat.PopMeanStdDev(v, nil)
	return map[string]any{
		"flip_asymm_h": stdH,
		"flip_asymm_v": stdV,
	}, nil
}

// HeaderWCS reports whether the header carries a celestial WCS and, if so,
// the reference sky position.
func HeaderWCS(_ context.Context, in Input) (map[string]any, error) {
	ctype1, _ := in.Header["CTYPE1"].(string)
	ctype2, _ := in.Header["CTYPE2"].(string)
	ra, okRA := headerFloat(in.Header, "CRVAL1")
	dec, okDec := headerFloat(in.Header, "CRVAL2")

	hasWCS := len(ctype1) >= 2 && len(ctype2) >= 3 &&
		ctype1[:2] == "RA" && ctype2[:3] == "DEC" && okRA && okDec
	out := map[string]any{"has_wcs": hasWCS}
	if hasWCS {
		out["ra_cen"] = ra
		out["dec_cen"] = dec
	}
	return out, nil
}

// sigmaClip iteratively drops values further than sigma standard deviations
// from the median. Non-finite values are dropped first.
func sigmaClip(data []float64, sigma float64, maxIter int) []float64 {
	vals := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	for i := 0; i < maxIter && len(vals) > 0; i++ {
		med := median(vals)
		_, std := stat.PopMeanStdDev(vals, nil)
		kept := vals[:0:0]
		for _, v := range vals {
			if math.Abs(v-med) <= sigma*std {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(vals) {
			break
		}
		vals = kept
	}
	return vals
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func headerFloat(h map[string]any, key string) (float64, bool) {
	switch v := h[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
