package config

import (
	"fmt"

	"github.com/atlas-desktop/allocation-backend/internal/optimization"
	"github.com/atlas-desktop/allocation-backend/pkg/types"
)

// Placeholders for a bound the request leaves empty while other bounds are
// set.
const (
	DefaultLowerBound = -1000.0
	DefaultUpperBound = 1000.0
)

// AssetConstraints are the request's per-asset settings as dense vectors in
// asset order.
type AssetConstraints struct {
	AssetIDs []string

	// Bounds is nil when no asset sets either bound.
	Bounds *optimization.Bounds

	// Categories lists category names in order of first appearance and
	// Groups is the matching categories × assets incidence matrix.
	Categories []string
	Groups     [][]float64

	// RiskRatios is nil unless every asset sets one. GroupRatios sums them
	// per category.
	RiskRatios  []float64
	GroupRatios []float64

	// FixedWeights is nil unless every asset sets one.
	FixedWeights []float64
}

// ResolveAssets turns the request asset list into aligned vectors.
func ResolveAssets(assets []types.AssetSpec) (*AssetConstraints, error) {
	n := len(assets)
	if n == 0 {
		return nil, fmt.Errorf("%w: no assets", types.ErrDataInsufficiency)
	}

	ac := &AssetConstraints{AssetIDs: make([]string, n)}
	seen := make(map[string]bool, n)
	for i, a := range assets {
		if seen[a.ID] {
			return nil, fmt.Errorf("%w: duplicate asset %s", types.ErrDimensionMismatch, a.ID)
		}
		seen[a.ID] = true
		ac.AssetIDs[i] = a.ID
	}

	bounds, err := resolveBounds(assets)
	if err != nil {
		return nil, err
	}
	ac.Bounds = bounds

	ac.Categories, ac.Groups = categoryIncidence(assets)

	if ratios, ok := allSet(assets, func(a types.AssetSpec) types.OptionalFloat { return a.RiskRatio }); ok {
		ac.RiskRatios = ratios
		ac.GroupRatios = make([]float64, len(ac.Groups))
		for g, row := range ac.Groups {
			for j, member := range row {
				ac.GroupRatios[g] += member * ratios[j]
			}
		}
	}
	if weights, ok := allSet(assets, func(a types.AssetSpec) types.OptionalFloat { return a.FixedWeight }); ok {
		ac.FixedWeights = weights
	}
	return ac, nil
}

func resolveBounds(assets []types.AssetSpec) (*optimization.Bounds, error) {
	anySet := false
	lower := make([]float64, len(assets))
	upper := make([]float64, len(assets))
	for i, a := range assets {
		lower[i], upper[i] = DefaultLowerBound, DefaultUpperBound
		if a.LowerBound.Set {
			lower[i] = a.LowerBound.Value
			anySet = true
		}
		if a.UpperBound.Set {
			upper[i] = a.UpperBound.Value
			anySet = true
		}
	}
	if !anySet {
		return nil, nil
	}

	sum := 0.0
	for i := range lower {
		if lower[i] > upper[i] {
			return nil, fmt.Errorf("%w: asset %s lower bound %g exceeds upper bound %g",
				types.ErrInfeasibleTarget, assets[i].ID, lower[i], upper[i])
		}
		sum += lower[i]
	}
	if sum > 1 {
		return nil, fmt.Errorf("%w: lower bounds sum to %g", types.ErrInfeasibleTarget, sum)
	}
	return &optimization.Bounds{Lower: lower, Upper: upper}, nil
}

// categoryIncidence groups assets by category. Each asset without a
// category forms its own group, named after the asset id only when no
// category already uses that name.
func categoryIncidence(assets []types.AssetSpec) ([]string, [][]float64) {
	index := make(map[string]int)
	var names []string
	var groups [][]float64
	for j, a := range assets {
		if a.Category == "" {
			continue
		}
		g, ok := index[a.Category]
		if !ok {
			g = len(names)
			index[a.Category] = g
			names = append(names, a.Category)
			groups = append(groups, make([]float64, len(assets)))
		}
		groups[g][j] = 1
	}
	for j, a := range assets {
		if a.Category != "" {
			continue
		}
		name := a.ID
		for k := 1; ; k++ {
			if _, taken := index[name]; !taken {
				break
			}
			name = fmt.Sprintf("%s#%d", a.ID, k)
		}
		index[name] = len(names)
		names = append(names, name)
		row := make([]float64, len(assets))
		row[j] = 1
		groups = append(groups, row)
	}
	return names, groups
}

func allSet(assets []types.AssetSpec, field func(types.AssetSpec) types.OptionalFloat) ([]float64, bool) {
	out := make([]float64, len(assets))
	for i, a := range assets {
		v := field(a)
		if !v.Set {
			return nil, false
		}
		out[i] = v.Value
	}
	return out, true
}
