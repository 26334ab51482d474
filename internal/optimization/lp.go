package optimization

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// linearRow is a single constraint coef'w (=|<=) rhs.
type linearRow struct {
	coef []float64
	rhs  float64
}

// boxLP minimizes cost'w subject to equality rows, <= rows and finite box
// bounds lower <= w <= upper.
//
// The problem is moved to standard form with w = lower + y, a slack s per
// box row (y + s = upper - lower) and a slack per <= row, then handed to
// the simplex solver.
type boxLP struct {
	cost         []float64
	lower, upper []float64
	eq           []linearRow
	le           []linearRow
	tol          float64
}

func (p *boxLP) solve() (w []float64, err error) {
	n := len(p.lower)
	rows := len(p.eq) + n + len(p.le)
	cols := 2*n + len(p.le)
	if len(p.eq) > n {
		return nil, fmt.Errorf("linear program has %d equality rows for %d variables", len(p.eq), n)
	}

	a := mat.NewDense(rows, cols, nil)
	b := make([]float64, rows)
	c := make([]float64, cols)
	copy(c, p.cost)

	row := 0
	for _, r := range p.eq {
		for j, v := range r.coef {
			a.Set(row, j, v)
		}
		b[row] = r.rhs - floats.Dot(r.coef, p.lower)
		row++
	}
	for i := 0; i < n; i++ {
		a.Set(row, i, 1)
		a.Set(row, n+i, 1)
		b[row] = p.upper[i] - p.lower[i]
		row++
	}
	for k, r := range p.le {
		for j, v := range r.coef {
			a.Set(row, j, v)
		}
		a.Set(row, 2*n+k, 1)
		b[row] = r.rhs - floats.Dot(r.coef, p.lower)
		row++
	}
	for i := range b {
		if b[i] < 0 {
			b[i] = -b[i]
			for j := 0; j < cols; j++ {
				a.Set(i, j, -a.At(i, j))
			}
		}
	}

	tol := p.tol
	if tol <= 0 {
		tol = 1e-10
	}

	// lp.Simplex panics on malformed input rather than returning an error.
	defer func() {
		if r := recover(); r != nil {
			w, err = nil, fmt.Errorf("simplex panicked: %v", r)
		}
	}()

	_, x, err := lp.Simplex(c, a, b, tol, nil)
	if err != nil {
		return nil, err
	}

	w = make([]float64, n)
	for i := range w {
		w[i] = p.lower[i] + x[i]
	}
	return w, nil
}
