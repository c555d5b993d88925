package nav

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// CalculateRigidTransform computes the best rigid transform (rotation +
// translation, no scale) mapping source onto target using the Kabsch
// method. Returns identity if fewer than 3 pairs are given or the fit fails.
func CalculateRigidTransform(source, target []Vec3) Matrix4 {
	n := len(source)
	if n < 3 || n != len(target) {
		return Identity4()
	}
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	return CalculateWeightedRigidTransform(source, target, weights)
}

// CalculateWeightedRigidTransform computes the best rigid transform using
// weighted Kabsch. weights must have the same length as source and target.
func CalculateWeightedRigidTransform(source, target []Vec3, weights []float64) Matrix4 {
	n := len(source)
	if n < 3 || n != len(target) || n != len(weights) {
		return Identity4()
	}

	// Weighted centroids
	var totalWeight float64
	var srcSum, tgtSum Vec3
	for i := range source {
		w := weights[i]
		totalWeight += w
		srcSum = srcSum.Add(source[i].Scale(w))
		tgtSum = tgtSum.Add(target[i].Scale(w))
	}
	if totalWeight <= 0 {
		return Identity4()
	}
	srcCentroid := srcSum.Scale(1 / totalWeight)
	tgtCentroid := tgtSum.Scale(1 / totalWeight)

	// Cross-covariance H = sum w * (src - cs) (tgt - ct)^T
	h := mat.NewDense(3, 3, nil)
	for i := range source {
		s := source[i].Sub(srcCentroid)
		t := target[i].Sub(tgtCentroid)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+weights[i]*sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity4()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, d) * U^T, d corrects a reflection
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1.0
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, d})
	var vd, rot mat.Dense
	vd.Mul(&v, diag)
	rot.Mul(&vd, u.T())

	m := Identity4()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r*4+c] = rot.At(r, c)
		}
	}

	// t = ct - R * cs
	rc := TransformPoint(m, srcCentroid)
	m[3] = tgtCentroid.X - rc.X
	m[7] = tgtCentroid.Y - rc.Y
	m[11] = tgtCentroid.Z - rc.Z

	if !IsValidTransform(m) {
		return Identity4()
	}
	return m
}

// ResidualRMS returns the root-mean-square distance between m*source and target
func ResidualRMS(m Matrix4, source, target []Vec3) float64 {
	if len(source) == 0 || len(source) != len(target) {
		return math.Inf(1)
	}
	var sum float64
	for i := range source {
		d := Distance3(TransformPoint(m, source[i]), target[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(source)))
}
