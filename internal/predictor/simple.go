package predictor

// differencingPredictor stores the first cell as the seed and every
// subsequent cell, in row-major order, as the delta from its predecessor.
// Row-wrap edges (the last cell of one row to the first cell of the next)
// are kept as ordinary deltas, with no special-casing, per spec.md §4.4.
type differencingPredictor struct{}

func (differencingPredictor) ID() ID      { return Differencing }
func (differencingPredictor) MinRows() int { return 1 }
func (differencingPredictor) MinCols() int { return 1 }

func (p differencingPredictor) Encode(values []int32, nRows, nCols int) (Result, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return Result{}, err
	}
	n := nRows * nCols
	interior := make([]int32, 0, n-1)
	for i := 1; i < n; i++ {
		interior = append(interior, values[i]-values[i-1])
	}
	return Result{Seed: values[0], Interior: interior}, nil
}

func (p differencingPredictor) Decode(res Result, nRows, nCols int) ([]int32, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return nil, err
	}
	n := nRows * nCols
	out := make([]int32, n)
	out[0] = res.Seed
	for i := 1; i < n; i++ {
		out[i] = out[i-1] + res.Interior[i-1]
	}
	return out, nil
}

// linearPredictor differences the first column vertically (the cells an
// extrapolation from two prior cells in the row cannot reach), then
// predicts every other cell in a row as 2*left - left2, falling back to
// plain differencing against the single left neighbor when left2 does not
// exist (column 1).
type linearPredictor struct{}

func (linearPredictor) ID() ID      { return Linear }
func (linearPredictor) MinRows() int { return 1 }
func (linearPredictor) MinCols() int { return 2 }

func (p linearPredictor) Encode(values []int32, nRows, nCols int) (Result, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return Result{}, err
	}
	init := make([]int32, 0, nRows-1)
	for r := 1; r < nRows; r++ {
		init = append(init, at(values, nCols, r, 0)-at(values, nCols, r-1, 0))
	}
	interior := make([]int32, 0, nRows*(nCols-1))
	for r := 0; r < nRows; r++ {
		for c := 1; c < nCols; c++ {
			var pred int32
			if c == 1 {
				pred = at(values, nCols, r, 0)
			} else {
				pred = 2*at(values, nCols, r, c-1) - at(values, nCols, r, c-2)
			}
			interior = append(interior, at(values, nCols, r, c)-pred)
		}
	}
	return Result{Seed: values[0], Initializer: init, Interior: interior}, nil
}

func (p linearPredictor) Decode(res Result, nRows, nCols int) ([]int32, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return nil, err
	}
	out := make([]int32, nRows*nCols)
	out[0] = res.Seed
	for r := 1; r < nRows; r++ {
		out[r*nCols] = out[(r-1)*nCols] + res.Initializer[r-1]
	}
	ii := 0
	for r := 0; r < nRows; r++ {
		for c := 1; c < nCols; c++ {
			var pred int32
			if c == 1 {
				pred = at(out, nCols, r, 0)
			} else {
				pred = 2*at(out, nCols, r, c-1) - at(out, nCols, r, c-2)
			}
			out[r*nCols+c] = pred + res.Interior[ii]
			ii++
		}
	}
	return out, nil
}

// trianglePredictor predicts a cell from the plane through its three causal
// neighbors (up-left, up, left): P = B + C - A. The first row and first
// column, where one or more of those neighbors does not exist, are
// populated by differencing instead.
type trianglePredictor struct{}

func (trianglePredictor) ID() ID      { return Triangle }
func (trianglePredictor) MinRows() int { return 2 }
func (trianglePredictor) MinCols() int { return 2 }

func (p trianglePredictor) Encode(values []int32, nRows, nCols int) (Result, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return Result{}, err
	}
	init := make([]int32, 0, nRows+nCols-2)
	for c := 1; c < nCols; c++ {
		init = append(init, at(values, nCols, 0, c)-at(values, nCols, 0, c-1))
	}
	for r := 1; r < nRows; r++ {
		init = append(init, at(values, nCols, r, 0)-at(values, nCols, r-1, 0))
	}
	interior := make([]int32, 0, (nRows-1)*(nCols-1))
	for r := 1; r < nRows; r++ {
		for c := 1; c < nCols; c++ {
			a := at(values, nCols, r-1, c-1)
			b := at(values, nCols, r-1, c)
			cc := at(values, nCols, r, c-1)
			pred := b + cc - a
			interior = append(interior, at(values, nCols, r, c)-pred)
		}
	}
	return Result{Seed: values[0], Initializer: init, Interior: interior}, nil
}

func (p trianglePredictor) Decode(res Result, nRows, nCols int) ([]int32, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return nil, err
	}
	out := make([]int32, nRows*nCols)
	out[0] = res.Seed
	ii := 0
	for c := 1; c < nCols; c++ {
		out[c] = out[c-1] + res.Initializer[ii]
		ii++
	}
	for r := 1; r < nRows; r++ {
		out[r*nCols] = out[(r-1)*nCols] + res.Initializer[ii]
		ii++
	}
	ji := 0
	for r := 1; r < nRows; r++ {
		for c := 1; c < nCols; c++ {
			a := at(out, nCols, r-1, c-1)
			b := at(out, nCols, r-1, c)
			cc := at(out, nCols, r, c-1)
			pred := b + cc - a
			out[r*nCols+c] = pred + res.Interior[ji]
			ji++
		}
	}
	return out, nil
}
