package pose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTooFewPoints is returned when a pose solve gets fewer than six
	// correspondences.
	ErrTooFewPoints = errors.New("at least 6 points are required for a pose solve")

	// ErrDegenerate is returned when the object points are collinear or
	// coincident.
	ErrDegenerate = errors.New("degenerate point configuration")
)

const (
	minPoints       = 6
	planarityRatio  = 1e-3
	lmMaxIterations = 30
	lmMaxTries      = 10
)

// Point2 is an image-space point in pixels.
type Point2 struct {
	X, Y float64
}

// Extrinsics is a solved rigid pose: a rotation vector and translation that
// take object coordinates into camera coordinates.
type Extrinsics struct {
	Rotation    Vec3
	Translation Vec3
}

// SolvePnP finds the rotation and translation that project the object points
// onto the image points under cam. It initializes from a plane homography
// when the object points are (nearly) coplanar and from a linear DLT
// otherwise, then refines the reprojection error with Levenberg-Marquardt.
func SolvePnP(object []Vec3, image []Point2, cam Camera) (Extrinsics, error) {
	if len(object) != len(image) {
		return Extrinsics{}, fmt.Errorf("solve pnp: %d object points but %d image points", len(object), len(image))
	}
	if len(object) < minPoints {
		return Extrinsics{}, ErrTooFewPoints
	}

	norm := make([]Point2, len(image))
	for i, p := range image {
		norm[i].X, norm[i].Y = cam.Normalize(p.X, p.Y)
	}

	centroid, axes, spread, err := principalAxes(object)
	if err != nil {
		return Extrinsics{}, err
	}

	var init Extrinsics
	if spread[2] < spread[1]*planarityRatio {
		init, err = planarInit(object, norm, centroid, axes)
	} else {
		init, err = dltInit(object, norm, centroid)
	}
	if err != nil {
		return Extrinsics{}, err
	}

	return refine(init, object, norm), nil
}

// principalAxes returns the centroid of pts, the rows of a rotation whose
// rows are the principal axes of the cloud and the variance along each axis
// in descending order.
func principalAxes(pts []Vec3) (Vec3, Mat3, Vec3, error) {
	var c Vec3
	for _, p := range pts {
		c = c.add(p)
	}
	c = c.scale(1 / float64(len(pts)))

	var cov Mat3
	for _, p := range pts {
		d := p.sub(c)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov[i][j] += d[i] * d[j]
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(toDense(cov), mat.SVDFull) {
		return Vec3{}, Mat3{}, Vec3{}, fmt.Errorf("solve pnp: covariance factorization failed")
	}
	vals := svd.Values(nil)
	if vals[0] == 0 || vals[1] <= vals[0]*1e-12 {
		return Vec3{}, Mat3{}, Vec3{}, ErrDegenerate
	}

	var v mat.Dense
	svd.VTo(&v)
	axes := fromDense(v.T())
	if axes.Det() < 0 {
		axes[2] = Vec3(axes[2]).scale(-1)
	}

	return c, axes, Vec3{vals[0], vals[1], vals[2]}, nil
}

// planarInit decomposes the homography between the object plane and the
// normalized image.
func planarInit(object []Vec3, norm []Point2, centroid Vec3, axes Mat3) (Extrinsics, error) {
	rp := axes
	if math.Abs(rp[0][2]) < 1e-6 && math.Abs(rp[1][2]) < 1e-6 {
		// Already a z = const plane.
		rp = Identity3()
	}
	tp := rp.Apply(centroid).scale(-1)

	plane := make([]Point2, len(object))
	for i, p := range object {
		q := rp.Apply(p).add(tp)
		plane[i] = Point2{q[0], q[1]}
	}

	h, err := homography(plane, norm)
	if err != nil {
		return Extrinsics{}, err
	}
	if h[2][2] < 0 {
		for i := range h {
			h[i] = Vec3(h[i]).scale(-1)
		}
	}

	h1 := Vec3{h[0][0], h[1][0], h[2][0]}
	h2 := Vec3{h[0][1], h[1][1], h[2][1]}
	h3 := Vec3{h[0][2], h[1][2], h[2][2]}

	n1 := math.Sqrt(h1.dot(h1))
	n2 := math.Sqrt(h2.dot(h2))
	if n1 == 0 || n2 == 0 {
		return Extrinsics{}, ErrDegenerate
	}
	h1 = h1.scale(1 / n1)
	h2 = h2.scale(1 / n2)
	t := h3.scale(2 / (n1 + n2))
	h3 = h1.cross(h2)

	rh := NearestRotation(Mat3{
		{h1[0], h2[0], h3[0]},
		{h1[1], h2[1], h3[1]},
		{h1[2], h2[2], h3[2]},
	})

	return Extrinsics{
		Rotation:    RotationVector(rh.Mul(rp)),
		Translation: rh.Apply(tp).add(t),
	}, nil
}

// homography estimates H with dst ~ H*src using the normalized DLT.
func homography(src, dst []Point2) (Mat3, error) {
	ts := hartley(src)
	td := hartley(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range src {
		x, y := ts[0][0]*src[i].X+ts[0][2], ts[1][1]*src[i].Y+ts[1][2]
		u, v := td[0][0]*dst[i].X+td[0][2], td[1][1]*dst[i].Y+td[1][2]

		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	h, err := nullVector(a)
	if err != nil {
		return Mat3{}, err
	}
	hn := Mat3{{h[0], h[1], h[2]}, {h[3], h[4], h[5]}, {h[6], h[7], h[8]}}

	tdInv := Mat3{
		{1 / td[0][0], 0, -td[0][2] / td[0][0]},
		{0, 1 / td[1][1], -td[1][2] / td[1][1]},
		{0, 0, 1},
	}
	return tdInv.Mul(hn).Mul(ts), nil
}

// hartley returns the similarity that centers pts and scales their mean
// distance from the origin to sqrt(2).
func hartley(pts []Point2) Mat3 {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var d float64
	for _, p := range pts {
		d += math.Hypot(p.X-cx, p.Y-cy)
	}
	d /= float64(len(pts))

	s := 1.0
	if d > 0 {
		s = math.Sqrt2 / d
	}
	return Mat3{{s, 0, -s * cx}, {0, s, -s * cy}, {0, 0, 1}}
}

// dltInit solves the 3x4 projection linearly and splits it into R and t.
func dltInit(object []Vec3, norm []Point2, centroid Vec3) (Extrinsics, error) {
	var d float64
	for _, p := range object {
		q := p.sub(centroid)
		d += math.Sqrt(q.dot(q))
	}
	d /= float64(len(object))
	if d == 0 {
		return Extrinsics{}, ErrDegenerate
	}
	s := math.Sqrt(3) / d

	a := mat.NewDense(2*len(object), 12, nil)
	for i, p := range object {
		q := p.sub(centroid).scale(s)
		u, v := norm[i].X, norm[i].Y

		a.SetRow(2*i, []float64{q[0], q[1], q[2], 1, 0, 0, 0, 0, -u * q[0], -u * q[1], -u * q[2], -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, q[0], q[1], q[2], 1, -v * q[0], -v * q[1], -v * q[2], -v})
	}

	p, err := nullVector(a)
	if err != nil {
		return Extrinsics{}, err
	}

	// Undo the object normalization: P * [s(X - c); 1].
	m := Mat3{
		{p[0] * s, p[1] * s, p[2] * s},
		{p[4] * s, p[5] * s, p[6] * s},
		{p[8] * s, p[9] * s, p[10] * s},
	}
	p4 := Vec3{p[3], p[7], p[11]}.sub(m.Apply(centroid))

	det := m.Det()
	if det == 0 {
		return Extrinsics{}, ErrDegenerate
	}
	if det < 0 {
		for i := range m {
			m[i] = Vec3(m[i]).scale(-1)
		}
		p4 = p4.scale(-1)
		det = -det
	}

	lambda := math.Cbrt(det)
	return Extrinsics{
		Rotation:    RotationVector(m),
		Translation: p4.scale(1 / lambda),
	}, nil
}

// nullVector returns the right singular vector of a with the smallest
// singular value.
func nullVector(a *mat.Dense) ([]float64, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return nil, fmt.Errorf("solve pnp: svd failed to converge")
	}
	var v mat.Dense
	svd.VTo(&v)

	_, c := v.Dims()
	return mat.Col(nil, c-1, &v), nil
}

// refine minimizes the reprojection error over (rotation, translation).
func refine(init Extrinsics, object []Vec3, norm []Point2) Extrinsics {
	x := params(init)
	res := residuals(x, object, norm)
	cost := sumSquares(res)
	lambda := 1e-3

	jac := mat.NewDense(len(res), 6, nil)
	for iter := 0; iter < lmMaxIterations && cost > 0; iter++ {
		jacobian(jac, x, object, norm)

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), mat.NewVecDense(len(res), res))

		improved := false
		var step [6]float64
		for try := 0; try < lmMaxTries; try++ {
			a := mat.DenseCopyOf(&jtj)
			for i := 0; i < 6; i++ {
				a.Set(i, i, jtj.At(i, i)*(1+lambda)+1e-12)
			}

			var delta mat.VecDense
			if err := delta.SolveVec(a, &g); err != nil {
				lambda *= 10
				continue
			}

			var next [6]float64
			for i := range next {
				step[i] = -delta.AtVec(i)
				next[i] = x[i] + step[i]
			}

			nextRes := residuals(next, object, norm)
			nextCost := sumSquares(nextRes)
			if nextCost < cost {
				x, res = next, nextRes
				converged := cost-nextCost <= 1e-15*cost
				cost = nextCost
				lambda = math.Max(lambda/10, 1e-12)
				improved = true
				if converged {
					return extrinsics(x)
				}
				break
			}
			lambda *= 10
		}

		if !improved || smallStep(step, x) {
			break
		}
	}

	return extrinsics(x)
}

func jacobian(dst *mat.Dense, x [6]float64, object []Vec3, norm []Point2) {
	for j := 0; j < 6; j++ {
		h := 1e-7 * math.Max(1, math.Abs(x[j]))

		plus, minus := x, x
		plus[j] += h
		minus[j] -= h

		rp := residuals(plus, object, norm)
		rm := residuals(minus, object, norm)
		for i := range rp {
			dst.Set(i, j, (rp[i]-rm[i])/(2*h))
		}
	}
}

func residuals(x [6]float64, object []Vec3, norm []Point2) []float64 {
	r := Rodrigues(Vec3{x[0], x[1], x[2]})
	t := Vec3{x[3], x[4], x[5]}

	out := make([]float64, 2*len(object))
	for i, p := range object {
		c := r.Apply(p).add(t)
		z := c[2]
		if math.Abs(z) < 1e-12 {
			z = math.Copysign(1e-12, z)
		}
		out[2*i] = c[0]/z - norm[i].X
		out[2*i+1] = c[1]/z - norm[i].Y
	}
	return out
}

func sumSquares(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}

func smallStep(step, x [6]float64) bool {
	for i := range step {
		if math.Abs(step[i]) > 1e-12*(math.Abs(x[i])+1e-12) {
			return false
		}
	}
	return true
}

func params(e Extrinsics) [6]float64 {
	return [6]float64{
		e.Rotation[0], e.Rotation[1], e.Rotation[2],
		e.Translation[0], e.Translation[1], e.Translation[2],
	}
}

func extrinsics(x [6]float64) Extrinsics {
	return Extrinsics{
		Rotation:    Vec3{x[0], x[1], x[2]},
		Translation: Vec3{x[3], x[4], x[5]},
	}
}
