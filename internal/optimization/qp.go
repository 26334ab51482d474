package optimization

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

type qpStatus string

const (
	qpOptimal    qpStatus = "optimal"
	qpInfeasible qpStatus = "primal_infeasible"
	qpUnknown    qpStatus = "unknown"
)

type boundState int8

const (
	boundFree boundState = iota
	boundLower
	boundUpper
)

// boxQP minimizes 1/2 w'Hw subject to equality rows and lower <= w <= upper
// with a primal active-set method. H must be positive definite.
type boxQP struct {
	hessian      mat.Symmetric
	eq           []linearRow
	lower, upper []float64
	maxIter      int
	lpTol        float64
}

// solve returns the minimizer and the terminal status. The weights are nil
// only when no feasible point exists or phase one failed.
func (p *boxQP) solve() ([]float64, qpStatus) {
	n := len(p.lower)
	m := len(p.eq)

	phaseOne := &boxLP{
		cost:  make([]float64, n),
		lower: p.lower,
		upper: p.upper,
		eq:    p.eq,
		tol:   p.lpTol,
	}
	x, err := phaseOne.solve()
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) {
			return nil, qpInfeasible
		}
		return nil, qpUnknown
	}

	state := make([]boundState, n)
	for i := range x {
		switch {
		case x[i]-p.lower[i] <= 1e-9*(1+math.Abs(p.lower[i])):
			state[i] = boundLower
		case p.upper[i]-x[i] <= 1e-9*(1+math.Abs(p.upper[i])):
			state[i] = boundUpper
		}
	}
	if !p.fullRank(state) {
		for i := range state {
			if state[i] == boundFree {
				continue
			}
			state[i] = boundFree
			if p.fullRank(state) {
				break
			}
		}
		if !p.fullRank(state) {
			return x, qpUnknown
		}
	}

	maxIter := p.maxIter
	if maxIter <= 0 {
		maxIter = 50 * (n + 2)
	}

	g := make([]float64, n)
	for iter := 0; iter < maxIter; iter++ {
		for i := 0; i < n; i++ {
			s := 0.0
			for j := 0; j < n; j++ {
				s += p.hessian.At(i, j) * x[j]
			}
			g[i] = s
		}

		free := make([]int, 0, n)
		for i, st := range state {
			if st == boundFree {
				free = append(free, i)
			}
		}
		k := len(free)

		// [H_FF  -A_F'] [p_F]   [-g_F]
		// [A_F     0  ] [lam] = [  0 ]
		kkt := mat.NewDense(k+m, k+m, nil)
		rhs := mat.NewVecDense(k+m, nil)
		for a, i := range free {
			for b, j := range free {
				kkt.Set(a, b, p.hessian.At(i, j))
			}
			for r, row := range p.eq {
				kkt.Set(a, k+r, -row.coef[i])
				kkt.Set(k+r, a, row.coef[i])
			}
			rhs.SetVec(a, -g[i])
		}
		var sol mat.VecDense
		if err := sol.SolveVec(kkt, rhs); err != nil {
			return x, qpUnknown
		}

		step := 0.0
		for a := 0; a < k; a++ {
			step = math.Max(step, math.Abs(sol.AtVec(a)))
		}

		if step <= 1e-12*(1+maxAbs(x)) {
			worst, leave := 0.0, -1
			for i, st := range state {
				if st == boundFree {
					continue
				}
				resid := g[i]
				for r, row := range p.eq {
					resid -= sol.AtVec(k+r) * row.coef[i]
				}
				mu := resid
				if st == boundUpper {
					mu = -resid
				}
				if mu < worst {
					worst, leave = mu, i
				}
			}
			if leave < 0 || worst >= -1e-9*(1+maxAbs(g)) {
				return x, qpOptimal
			}
			state[leave] = boundFree
			continue
		}

		alpha, block, side := 1.0, -1, boundFree
		eps := 1e-15 * (1 + step)
		for a, i := range free {
			d := sol.AtVec(a)
			switch {
			case d < -eps:
				if t := (p.lower[i] - x[i]) / d; t < alpha {
					alpha, block, side = t, i, boundLower
				}
			case d > eps:
				if t := (p.upper[i] - x[i]) / d; t < alpha {
					alpha, block, side = t, i, boundUpper
				}
			}
		}
		alpha = math.Max(alpha, 0)

		for a, i := range free {
			x[i] += alpha * sol.AtVec(a)
		}
		if block >= 0 {
			state[block] = side
			if side == boundLower {
				x[block] = p.lower[block]
			} else {
				x[block] = p.upper[block]
			}
		}
	}

	return x, qpUnknown
}

// fullRank reports whether the equality rows restricted to the free
// variables are linearly independent.
func (p *boxQP) fullRank(state []boundState) bool {
	m := len(p.eq)
	free := 0
	for _, st := range state {
		if st == boundFree {
			free++
		}
	}
	if free < m {
		return false
	}
	gram := mat.NewSymDense(m, nil)
	for r := 0; r < m; r++ {
		for s := r; s < m; s++ {
			v := 0.0
			for i, st := range state {
				if st == boundFree {
					v += p.eq[r].coef[i] * p.eq[s].coef[i]
				}
			}
			gram.SetSym(r, s, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(gram) {
		return false
	}
	return chol.Cond() < 1e12
}
