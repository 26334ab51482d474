package backtester

import (
	"fmt"
	"math"
)

// Record is a flat set of named diagnostics.
type Record map[string]float64

// Record keys written by the standard transforms.
const (
	KeyReturn     = "rtn"
	KeyVariance   = "var"
	KeyStd        = "std"
	KeyAnnualized = "annualized_rtn"
	KeySharpe     = "sharpe"
)

// Transform is a pure step over a Record. It may only read the keys in
// Reads and must produce every key in Writes.
type Transform struct {
	Name   string
	Reads  []string
	Writes []string
	Apply  func(in Record) (Record, error)
}

// Pipeline applies transforms in order.
type Pipeline struct {
	transforms []Transform
}

// NewPipeline creates a pipeline from an ordered transform list.
func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{transforms: transforms}
}

// Run applies every transform to a copy of rec. A missing input key or an
// undeclared output fails the run with the transform's name.
func (p *Pipeline) Run(rec Record) (Record, error) {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, t := range p.transforms {
		in := make(Record, len(t.Reads))
		for _, key := range t.Reads {
			v, ok := out[key]
			if !ok {
				return nil, fmt.Errorf("transform %s: missing input %q", t.Name, key)
			}
			in[key] = v
		}
		written, err := t.Apply(in)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", t.Name, err)
		}
		for _, key := range t.Writes {
			v, ok := written[key]
			if !ok {
				return nil, fmt.Errorf("transform %s: did not write %q", t.Name, key)
			}
			out[key] = v
		}
	}
	return out, nil
}

// DeDilate removes the dilate factor applied to the input returns:
// returns shrink by d and variances by d².
func DeDilate(d float64) Transform {
	return Transform{
		Name:   "de_dilate",
		Reads:  []string{KeyReturn, KeyVariance},
		Writes: []string{KeyReturn, KeyVariance},
		Apply: func(in Record) (Record, error) {
			if d == 0 {
				return nil, fmt.Errorf("dilate factor is zero")
			}
			return Record{
				KeyReturn:   in[KeyReturn] / d,
				KeyVariance: in[KeyVariance] / (d * d),
			}, nil
		},
	}
}

// AddStd derives std from var with the -1 sentinel for non-finite values.
func AddStd() Transform {
	mc := NewMetricsCalculator()
	return Transform{
		Name:   "add_std",
		Reads:  []string{KeyVariance},
		Writes: []string{KeyStd},
		Apply: func(in Record) (Record, error) {
			return Record{KeyStd: mc.Std(in[KeyVariance])}, nil
		},
	}
}

// Annualize converts rtn earned over calendarDays into an annual rate.
func Annualize(calendarDays int) Transform {
	mc := NewMetricsCalculator()
	return Transform{
		Name:   "annualize",
		Reads:  []string{KeyReturn},
		Writes: []string{KeyAnnualized},
		Apply: func(in Record) (Record, error) {
			return Record{KeyAnnualized: mc.AnnualizedReturn(in[KeyReturn], calendarDays)}, nil
		},
	}
}

// AddSharpe computes (rtn - riskFree)/std. It is zero when std is not
// positive.
func AddSharpe(riskFree float64) Transform {
	return Transform{
		Name:   "add_sharpe",
		Reads:  []string{KeyReturn, KeyStd},
		Writes: []string{KeySharpe},
		Apply: func(in Record) (Record, error) {
			std := in[KeyStd]
			if std <= 0 || math.IsNaN(std) {
				return Record{KeySharpe: 0}, nil
			}
			return Record{KeySharpe: (in[KeyReturn] - riskFree) / std}, nil
		},
	}
}
