package taximeter

import "math"

// Tariff holds the banded pricing parameters. Distance bands are
// kilometres 1-2, 3-4 and 5 onwards; waiting is charged per full ten
// seconds of standstill.
type Tariff struct {
	Base       float64 `json:"base"`
	Rate12     float64 `json:"rate_1_2"`
	Rate34     float64 `json:"rate_3_4"`
	Rate5Plus  float64 `json:"rate_5_plus"`
	WaitPer10s float64 `json:"wait_per_10s"`
}

func DefaultTariff() Tariff {
	return Tariff{
		Base:       4.40,
		Rate12:     2.70,
		Rate34:     2.60,
		Rate5Plus:  2.40,
		WaitPer10s: 0.10,
	}
}

// CalcPrice prices a distance without waiting charges.
func (t Tariff) CalcPrice(km float64) float64 {
	price := t.Base
	remaining := km

	step := math.Min(2, remaining)
	price += step * t.Rate12
	remaining -= step
	if remaining > 0 {
		step = math.Min(2, remaining)
		price += step * t.Rate34
		remaining -= step
	}
	if remaining > 0 {
		price += remaining * t.Rate5Plus
	}
	return price
}

// RoundPrice rounds to the ten-cent step first and then to cents.
// The order matters for values like x.x5 and is kept exactly.
func RoundPrice(v float64) float64 {
	return math.Round(math.Round(v*10)/10*100) / 100
}

// Breakdown itemises a priced ride.
type Breakdown struct {
	Base      float64 `json:"base"`
	Km12      float64 `json:"km_1_2"`
	Rate12    float64 `json:"rate_1_2"`
	Cost12    float64 `json:"cost_1_2"`
	Km34      float64 `json:"km_3_4"`
	Rate34    float64 `json:"rate_3_4"`
	Cost34    float64 `json:"cost_3_4"`
	Km5Plus   float64 `json:"km_5_plus"`
	Rate5Plus float64 `json:"rate_5_plus"`
	Cost5Plus float64 `json:"cost_5_plus"`
	WaitTime  float64 `json:"wait_time"`
	WaitCost  float64 `json:"wait_cost"`
	Total     float64 `json:"total"`
}

// CalcBreakdown itemises a distance plus accumulated waiting time.
func (t Tariff) CalcBreakdown(km, waitSeconds, waitCost float64) Breakdown {
	b := Breakdown{
		Base:      t.Base,
		Rate12:    t.Rate12,
		Rate34:    t.Rate34,
		Rate5Plus: t.Rate5Plus,
		WaitTime:  waitSeconds,
		WaitCost:  waitCost,
	}
	remaining := km

	b.Km12 = math.Min(2, remaining)
	b.Cost12 = b.Km12 * t.Rate12
	remaining -= b.Km12
	if remaining > 0 {
		b.Km34 = math.Min(2, remaining)
		b.Cost34 = b.Km34 * t.Rate34
		remaining -= b.Km34
	}
	if remaining > 0 {
		b.Km5Plus = remaining
		b.Cost5Plus = remaining * t.Rate5Plus
	}

	b.Total = RoundPrice(b.Base + b.Cost12 + b.Cost34 + b.Cost5Plus + b.WaitCost)
	return b
}
