package reporting

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Float is a float64 that encodes NaN and infinities as JSON null, which is
// how an empty distribution reports its quantiles.
//
type Float float64

// NaN ...
func NaN() Float {
	return Float(math.NaN())
}

// Float64 ...
func (f Float) Float64() float64 {
	return float64(f)
}

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler. null decodes to NaN.
func (f *Float) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = NaN()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// TimeDistributionSnapshot is a point in time view of a TimeDistribution.
// Values are expressed in Unit.
//
type TimeDistributionSnapshot struct {
	MaxError Float  `json:"maxError"`
	Count    Float  `json:"count"`
	P50      Float  `json:"p50"`
	P75      Float  `json:"p75"`
	P90      Float  `json:"p90"`
	P95      Float  `json:"p95"`
	P99      Float  `json:"p99"`
	Min      Float  `json:"min"`
	Max      Float  `json:"max"`
	Unit     string `json:"unit"`
}

// Quantiles maps the reported quantiles to their values.
func (s TimeDistributionSnapshot) Quantiles() map[float64]float64 {
	return map[float64]float64{
		0.5:  float64(s.P50),
		0.75: float64(s.P75),
		0.9:  float64(s.P90),
		0.95: float64(s.P95),
		0.99: float64(s.P99),
	}
}

// DistributionSnapshot is a point in time view of a Distribution.
//
type DistributionSnapshot struct {
	Count Float `json:"count"`
	P50   Float `json:"p50"`
	P75   Float `json:"p75"`
	P90   Float `json:"p90"`
	P95   Float `json:"p95"`
	P99   Float `json:"p99"`
	P999  Float `json:"p999"`
	Min   Float `json:"min"`
	Max   Float `json:"max"`
}

// Quantiles maps the reported quantiles to their values.
func (s DistributionSnapshot) Quantiles() map[float64]float64 {
	return map[float64]float64{
		0.5:   float64(s.P50),
		0.75:  float64(s.P75),
		0.9:   float64(s.P90),
		0.95:  float64(s.P95),
		0.99:  float64(s.P99),
		0.999: float64(s.P999),
	}
}
