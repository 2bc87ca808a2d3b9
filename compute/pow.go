package compute

import "gonum.org/v1/gonum/mat"

// Identity returns the n×n identity matrix.
func Identity(n int) *mat.Dense {
	id := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		id.Set(i, i, 1)
	}
	return id
}

// Pow returns a^p for a square matrix by repeated squaring, routing every
// product through the backend. p must be non-negative; a^0 is the identity.
func Pow(b Backend, a mat.Matrix, p int) *mat.Dense {
	r, c := a.Dims()
	if r != c {
		panic(mat.ErrShape)
	}
	if p < 0 {
		panic("compute: negative matrix power")
	}

	result := Identity(r)
	base := mat.DenseCopyOf(a)
	first := true
	for p > 0 {
		if p&1 == 1 {
			if first {
				result = mat.DenseCopyOf(base)
				first = false
			} else {
				result = b.MatMul(result, base)
			}
		}
		p >>= 1
		if p > 0 {
			base = b.MatMul(base, base)
		}
	}
	return result
}
