// params.go decodes the free-form wire parameter map into the strongly typed
// per-kind parameter structs. Decoding is strict: unknown keys reject the
// config, required keys must be present, and every value must be numeric.
package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// paramDecoder walks a raw parameter map against an allowed key set.
type paramDecoder struct {
	raw  map[string]any
	seen map[string]bool
	err  error
}

func newParamDecoder(raw map[string]any) *paramDecoder {
	return &paramDecoder{raw: raw, seen: make(map[string]bool, len(raw))}
}

func (d *paramDecoder) number(key string, required bool, def float64) float64 {
	if d.err != nil {
		return def
	}
	d.seen[key] = true
	v, ok := d.raw[key]
	if !ok {
		if required {
			d.err = fmt.Errorf("parameter %q is required", key)
		}
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		d.err = fmt.Errorf("parameter %q must be a number, got %T", key, v)
		return def
	}
	return f
}

func (d *paramDecoder) decimal(key string, required bool, def float64) decimal.Decimal {
	return decimal.NewFromFloat(d.number(key, required, def))
}

func (d *paramDecoder) integer(key string, required bool, def int) int {
	if d.err != nil {
		return def
	}
	f := d.number(key, required, float64(def))
	if d.err != nil {
		return def
	}
	if f != math.Trunc(f) {
		d.err = fmt.Errorf("parameter %q must be an integer, got %v", key, f)
		return def
	}
	return int(f)
}

// finish rejects unknown keys and returns the accumulated error.
func (d *paramDecoder) finish() error {
	if d.err != nil {
		return d.err
	}
	for key := range d.raw {
		if !d.seen[key] {
			return fmt.Errorf("unknown parameter %q", key)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case jsonNumber:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// jsonNumber matches both encoding/json and goccy/go-json Number values.
type jsonNumber interface {
	Float64() (float64, error)
}
