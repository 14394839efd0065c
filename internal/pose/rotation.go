package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// dblEpsilon keeps the Givens normalizers strictly below one so acos never
// sees an argument outside [-1, 1].
const dblEpsilon = 2.220446049250313e-16

// Rodrigues converts an axis-angle rotation vector into a rotation matrix.
func Rodrigues(r Vec3) Mat3 {
	theta := math.Sqrt(r.dot(r))
	if theta < dblEpsilon {
		return Identity3()
	}

	k := r.scale(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	c1 := 1 - c

	return Mat3{
		{c + c1*k[0]*k[0], c1*k[0]*k[1] - s*k[2], c1*k[0]*k[2] + s*k[1]},
		{c1*k[1]*k[0] + s*k[2], c + c1*k[1]*k[1], c1*k[1]*k[2] - s*k[0]},
		{c1*k[2]*k[0] - s*k[1], c1*k[2]*k[1] + s*k[0], c + c1*k[2]*k[2]},
	}
}

// RotationVector converts a rotation matrix into an axis-angle vector.
// The input is first projected onto the nearest proper rotation.
func RotationVector(m Mat3) Vec3 {
	r := NearestRotation(m)

	rx := r[2][1] - r[1][2]
	ry := r[0][2] - r[2][0]
	rz := r[1][0] - r[0][1]

	s := math.Sqrt((rx*rx+ry*ry+rz*rz)*0.25)
	c := (r[0][0] + r[1][1] + r[2][2] - 1) * 0.5
	c = math.Max(-1, math.Min(1, c))
	theta := math.Acos(c)

	if s < 1e-5 {
		if c > 0 {
			return Vec3{}
		}

		// theta is close to pi: recover the axis from the diagonal.
		rx = math.Sqrt(math.Max((r[0][0]+1)*0.5, 0))
		ry = math.Sqrt(math.Max((r[1][1]+1)*0.5, 0))
		if r[0][1] < 0 {
			ry = -ry
		}
		rz = math.Sqrt(math.Max((r[2][2]+1)*0.5, 0))
		if r[0][2] < 0 {
			rz = -rz
		}
		if math.Abs(rx) < math.Abs(ry) && math.Abs(rx) < math.Abs(rz) && (r[1][2] > 0) != (ry*rz > 0) {
			rz = -rz
		}

		n := math.Sqrt(rx*rx + ry*ry + rz*rz)
		if n == 0 {
			return Vec3{}
		}
		return Vec3{rx, ry, rz}.scale(theta / n)
	}

	return Vec3{rx, ry, rz}.scale(theta / (2 * s))
}

// NearestRotation returns the proper rotation closest to m in the Frobenius
// norm (U*V^T from the SVD, with the determinant forced to +1).
func NearestRotation(m Mat3) Mat3 {
	var svd mat.SVD
	if !svd.Factorize(toDense(m), mat.SVDFull) {
		return m
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	out := fromDense(&r)

	if out.Det() < 0 {
		// Flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
		out = fromDense(&r)
	}
	return out
}

// RQDecomp splits a rotation matrix into Givens rotations about x, y and z
// and returns the Euler angle of each in degrees, following the conventions
// of OpenCV's RQDecomp3x3.
func RQDecomp(m Mat3) Vec3 {
	// Qx zeroes m[2][1].
	s, c := givens(m[2][1], m[2][2])
	qx := Mat3{{1, 0, 0}, {0, c, s}, {0, -s, c}}
	r := m.Mul(qx)
	r[2][1] = 0

	// Qy zeroes r[2][0].
	s, c = givens(-r[2][0], r[2][2])
	qy := Mat3{{c, 0, -s}, {0, 1, 0}, {s, 0, c}}
	r = r.Mul(qy)
	r[2][0] = 0

	// Qz zeroes r[1][0].
	s, c = givens(r[1][0], r[1][1])
	qz := Mat3{{c, s, 0}, {-s, c, 0}, {0, 0, 1}}
	r = r.Mul(qz)
	r[1][0] = 0

	// The x and y steps leave r[2][2] non-negative, so for a proper rotation
	// the only sign ambiguity left is a 180 degree turn about z.
	if r[0][0] < 0 && r[1][1] < 0 {
		qz[0][0], qz[0][1] = -qz[0][0], -qz[0][1]
		qz[1][0], qz[1][1] = -qz[1][0], -qz[1][1]
	}

	return Vec3{
		signedAcos(qx[1][1], qx[1][2]),
		signedAcos(qy[0][0], qy[2][0]),
		signedAcos(qz[0][0], qz[0][1]),
	}
}

func givens(s, c float64) (float64, float64) {
	z := 1 / math.Sqrt(c*c+s*s+dblEpsilon)
	return s * z, c * z
}

func signedAcos(c, s float64) float64 {
	a := math.Acos(math.Max(-1, math.Min(1, c))) * 180 / math.Pi
	if s < 0 {
		return -a
	}
	return a
}

func toDense(m Mat3) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

func fromDense(d mat.Matrix) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = d.At(i, j)
		}
	}
	return out
}
