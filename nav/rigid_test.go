package nav

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func randomCloud(rng *rand.Rand, n int, scale float64) []Vec3 {
	pts := make([]Vec3, n)
	for i := range pts {
		pts[i] = Vec3{
			X: (rng.Float64() - 0.5) * scale,
			Y: (rng.Float64() - 0.5) * scale,
			Z: (rng.Float64() - 0.5) * scale,
		}
	}
	return pts
}

func TestCalculateRigidTransform_RecoversKnownPose(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	source := randomCloud(rng, 20, 200)
	want := PoseToMatrix(Pose{X: 12, Y: -40, Z: 3, Alpha: 25, Beta: -10, Gamma: 140})
	target := TransformPoints(want, source)

	got := CalculateRigidTransform(source, target)
	assertMatrixNear(t, want, got, 1e-9)
	assert.InDelta(t, 0, ResidualRMS(got, source, target), 1e-9)
	assert.True(t, IsRigid(got, 1e-9))
}

func TestCalculateRigidTransform_NoReflection(t *testing.T) {
	// A mirrored target has no exact rigid fit; the result must stay a rotation
	source := []Vec3{{0, 0, 0}, {10, 0, 0}, {0, 10, 0}, {0, 0, 10}}
	target := make([]Vec3, len(source))
	for i, p := range source {
		target[i] = Vec3{-p.X, p.Y, p.Z}
	}
	m := CalculateRigidTransform(source, target)
	assert.InDelta(t, 1, det3(m), 1e-9)
}

func TestCalculateRigidTransform_NoisyFit(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	source := randomCloud(rng, 50, 150)
	want := PoseToMatrix(Pose{X: 5, Y: 5, Z: 5, Gamma: 30})
	target := TransformPoints(want, source)
	for i := range target {
		target[i] = target[i].Add(Vec3{rng.NormFloat64() * 0.2, rng.NormFloat64() * 0.2, rng.NormFloat64() * 0.2})
	}

	got := CalculateRigidTransform(source, target)
	assert.Less(t, ResidualRMS(got, source, target), 0.5)
	assert.Less(t, RotationAngle(want, got), 0.5)
}

func TestCalculateRigidTransform_Degenerate(t *testing.T) {
	assert.Equal(t, Identity4(), CalculateRigidTransform([]Vec3{{1, 2, 3}}, []Vec3{{1, 2, 3}}))
	assert.Equal(t, Identity4(), CalculateRigidTransform(make([]Vec3, 3), make([]Vec3, 4)))
}

func TestCalculateWeightedRigidTransform_ZeroWeights(t *testing.T) {
	src := []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	assert.Equal(t, Identity4(), CalculateWeightedRigidTransform(src, src, []float64{0, 0, 0}))
}

func TestCalculateWeightedRigidTransform_IgnoresZeroWeightOutlier(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	source := randomCloud(rng, 10, 100)
	want := PoseToMatrix(Pose{X: -3, Y: 8, Z: 1, Beta: 15})
	target := TransformPoints(want, source)
	target[0] = target[0].Add(Vec3{50, 50, 50})

	weights := make([]float64, len(source))
	for i := range weights {
		weights[i] = 1
	}
	weights[0] = 0

	got := CalculateWeightedRigidTransform(source, target, weights)
	assertMatrixNear(t, want, got, 1e-9)
}

func TestResidualRMS_Mismatch(t *testing.T) {
	assert.True(t, math.IsInf(ResidualRMS(Identity4(), nil, nil), 1))
	assert.InDelta(t, 1, ResidualRMS(Identity4(), []Vec3{{0, 0, 0}}, []Vec3{{1, 0, 0}}), 1e-12)
}
