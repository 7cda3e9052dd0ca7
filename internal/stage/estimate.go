package stage

import "math"

// FallbackPercent is reported for a stage id the catalog does not know.
const FallbackPercent = 50

// Base returns the percentage at which the stage starts: its static hint when
// present, otherwise position/len scaled to 100.
func (c *Catalog) Base(id string) (int, bool) {
	d, ok := c.Lookup(id)
	if !ok {
		return 0, false
	}
	return c.base(d), true
}

func (c *Catalog) base(d Descriptor) int {
	if d.Hint != nil {
		return *d.Hint
	}
	return int(math.Round(float64(d.Position) / float64(len(c.stages)) * 100))
}

// Estimate turns a stage id and the server's raw intra-stage progress into an
// overall percentage in [0,100]. Raw values above 1 are read as a 0-100
// percentage. The final stage interpolates towards 100, the implicit
// completion boundary.
func (c *Catalog) Estimate(stageID string, raw float64) int {
	d, ok := c.Lookup(stageID)
	if !ok {
		return FallbackPercent
	}
	base := c.base(d)
	nextBase := 100
	if next, ok := c.Next(stageID); ok {
		nextBase = c.base(next)
	}
	span := float64(nextBase - base)
	pct := math.Round(float64(base) + span*Fraction(raw))
	return Clamp(int(pct))
}

// Estimate is the free-function form of Catalog.Estimate over an ad-hoc
// stage sequence. Invalid sequences yield FallbackPercent.
func Estimate(stageID string, raw float64, stages []Descriptor) int {
	c, err := NewCatalog(stages...)
	if err != nil {
		return FallbackPercent
	}
	return c.Estimate(stageID, raw)
}

// Fraction normalizes raw progress into [0,1]. NaN maps to 0.
func Fraction(raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	if raw > 1 {
		raw /= 100
	}
	return math.Max(0, math.Min(1, raw))
}

// Clamp bounds pct to [0,100].
func Clamp(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

// ClampPercent bounds a float percentage to [0,100]. NaN maps to 0.
func ClampPercent(pct float64) float64 {
	if math.IsNaN(pct) {
		return 0
	}
	return math.Max(0, math.Min(100, pct))
}
