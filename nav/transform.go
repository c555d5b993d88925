package nav

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matrix4 is a 4x4 homogeneous transform stored row-major.
// Index = row*4 + col. The last row is [0 0 0 1] for rigid transforms.
type Matrix4 [16]float64

// Identity4 returns the identity transform
func Identity4() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns element (row, col)
func (m Matrix4) At(row, col int) float64 { return m[row*4+col] }

// Translation4 creates a translation-only transform
func Translation4(t Vec3) Matrix4 {
	m := Identity4()
	m[3], m[7], m[11] = t.X, t.Y, t.Z
	return m
}

// TranslationPart returns the translation column
func (m Matrix4) TranslationPart() Vec3 { return Vec3{m[3], m[7], m[11]} }

// Axis returns rotation column col (0=x, 1=y, 2=z) as a vector
func (m Matrix4) Axis(col int) Vec3 { return Vec3{m[col], m[4+col], m[8+col]} }

// EulerMatrix builds a rotation from static-frame xyz Euler angles in radians.
// The rotation applies ai about x, then aj about y, then ak about z:
// R = Rz(ak) * Ry(aj) * Rx(ai)
func EulerMatrix(ai, aj, ak float64) Matrix4 {
	si, sj, sk := math.Sin(ai), math.Sin(aj), math.Sin(ak)
	ci, cj, ck := math.Cos(ai), math.Cos(aj), math.Cos(ak)
	cc, cs := ci*ck, ci*sk
	sc, ss := si*ck, si*sk

	return Matrix4{
		cj * ck, sj*sc - cs, sj*cc + ss, 0,
		cj * sk, sj*ss + cc, sj*cs - sc, 0,
		-sj, cj * si, cj * ci, 0,
		0, 0, 0, 1,
	}
}

// EulerFromMatrix recovers static-frame xyz Euler angles (radians) from
// the rotation part of m. Near gimbal lock the z angle is pinned to zero.
func EulerFromMatrix(m Matrix4) (ai, aj, ak float64) {
	cy := math.Hypot(m.At(0, 0), m.At(1, 0))
	if cy > eulerEpsilon {
		ai = math.Atan2(m.At(2, 1), m.At(2, 2))
		aj = math.Atan2(-m.At(2, 0), cy)
		ak = math.Atan2(m.At(1, 0), m.At(0, 0))
		return
	}
	ai = math.Atan2(-m.At(1, 2), m.At(1, 1))
	aj = math.Atan2(-m.At(2, 0), cy)
	return ai, aj, 0
}

const eulerEpsilon = 4 * 2.220446049250313e-16

func deg2rad(d float64) float64 { return d * math.Pi / 180.0 }
func rad2deg(r float64) float64 { return r * 180.0 / math.Pi }

// PoseToMatrix converts a pose (mm, degrees) into a homogeneous transform
func PoseToMatrix(p Pose) Matrix4 {
	m := EulerMatrix(deg2rad(p.Alpha), deg2rad(p.Beta), deg2rad(p.Gamma))
	m[3], m[7], m[11] = p.X, p.Y, p.Z
	return m
}

// MatrixToPose converts a homogeneous transform back to a pose (mm, degrees)
func MatrixToPose(m Matrix4) Pose {
	ai, aj, ak := EulerFromMatrix(m)
	return Pose{
		X:     m[3],
		Y:     m[7],
		Z:     m[11],
		Alpha: rad2deg(ai),
		Beta:  rad2deg(aj),
		Gamma: rad2deg(ak),
	}
}

// Multiply composes two transforms: result = a * b.
// Applying result is equivalent to applying b first, then a.
func Multiply(a, b Matrix4) Matrix4 {
	var r Matrix4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[row*4+k] * b[k*4+col]
			}
			r[row*4+col] = sum
		}
	}
	return r
}

// MultiplyAll composes a chain left to right: MultiplyAll(a, b, c) = a * b * c
func MultiplyAll(ms ...Matrix4) Matrix4 {
	r := Identity4()
	for _, m := range ms {
		r = Multiply(r, m)
	}
	return r
}

// Inverse inverts a homogeneous transform. Rigid transforms use the
// transpose shortcut; anything else goes through a general LU inverse.
// Returns ErrSingularMatrix when m cannot be inverted.
func Inverse(m Matrix4) (Matrix4, error) {
	if IsRigid(m, 1e-9) {
		return rigidInverse(m), nil
	}

	var inv mat.Dense
	if err := inv.Inverse(m.ToDense()); err != nil {
		return Matrix4{}, ErrSingularMatrix
	}
	var r Matrix4
	copy(r[:], inv.RawMatrix().Data)
	return r, nil
}

// rigidInverse computes [R^T | -R^T t]
func rigidInverse(m Matrix4) Matrix4 {
	r := Identity4()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r[row*4+col] = m[col*4+row]
		}
	}
	t := m.TranslationPart()
	for row := 0; row < 3; row++ {
		r[row*4+3] = -(r[row*4]*t.X + r[row*4+1]*t.Y + r[row*4+2]*t.Z)
	}
	return r
}

// TransformPoint applies m to a 3D point
func TransformPoint(m Matrix4, p Vec3) Vec3 {
	return Vec3{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// TransformPoints applies m to multiple points
func TransformPoints(m Matrix4, points []Vec3) []Vec3 {
	result := make([]Vec3, len(points))
	for i, p := range points {
		result[i] = TransformPoint(m, p)
	}
	return result
}

// IsRigid reports whether m is a proper rigid transform: orthonormal
// rotation with determinant +1 and a [0 0 0 1] bottom row.
func IsRigid(m Matrix4, tol float64) bool {
	if math.Abs(m[12]) > tol || math.Abs(m[13]) > tol || math.Abs(m[14]) > tol || math.Abs(m[15]-1) > tol {
		return false
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := m.Axis(i).Dot(m.Axis(j))
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(dot-want) > tol*10 {
				return false
			}
		}
	}
	return math.Abs(det3(m)-1) <= tol*10
}

// IsValidTransform rejects matrices containing NaN or Inf
func IsValidTransform(m Matrix4) bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func det3(m Matrix4) float64 {
	return m[0]*(m[5]*m[10]-m[6]*m[9]) -
		m[1]*(m[4]*m[10]-m[6]*m[8]) +
		m[2]*(m[4]*m[9]-m[5]*m[8])
}

// RotationAngle returns the angle in degrees of the relative rotation between a and b
func RotationAngle(a, b Matrix4) float64 {
	// trace(Ra^T Rb) = 1 + 2cos(theta)
	var trace float64
	for i := 0; i < 3; i++ {
		trace += a.Axis(i).Dot(b.Axis(i))
	}
	c := (trace - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return rad2deg(math.Acos(c))
}

// ToDense returns m as a gonum matrix
func (m Matrix4) ToDense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, m[:])
	return mat.NewDense(4, 4, data)
}
