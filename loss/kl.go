package loss

import "math"

// GaussianKL returns KL(N(mu1, e^lv1) || N(mu2, e^lv2)) for one dimension:
//
//	-0.5*(1 - lv2 + lv1) + 0.5*e^-lv2 * (e^lv1 + (mu1 - mu2)^2)
func GaussianKL(mu1, lv1, mu2, lv2 float64) float64 {
	d := mu1 - mu2
	return -0.5*(1-lv2+lv1) + 0.5*math.Exp(-lv2)*(math.Exp(lv1)+d*d)
}

// GaussianKLGrad returns the partials of GaussianKL with respect to the
// posterior mean and log-variance.
func GaussianKLGrad(mu1, lv1, mu2, lv2 float64) (dMu, dLogVar float64) {
	inv := math.Exp(-lv2)
	dMu = inv * (mu1 - mu2)
	dLogVar = -0.5 + 0.5*inv*math.Exp(lv1)
	return dMu, dLogVar
}
