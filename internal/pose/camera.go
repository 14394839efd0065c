package pose

// Camera is a pinhole camera with no lens distortion.
type Camera struct {
	Fx, Fy float64
	Cx, Cy float64
}

// ApproxCamera builds the uncalibrated camera used for head pose.
// The focal length is the image width. The principal point is placed at
// (height/2, width/2); the swapped axes are what the sideways and down
// windows were tuned against, so they stay as is.
func ApproxCamera(width, height int) Camera {
	w := float64(width)
	return Camera{
		Fx: w,
		Fy: w,
		Cx: float64(height) / 2,
		Cy: w / 2,
	}
}

// Normalize maps a pixel to normalized image coordinates (K^-1 * p).
func (c Camera) Normalize(u, v float64) (x, y float64) {
	return (u - c.Cx) / c.Fx, (v - c.Cy) / c.Fy
}

// Project maps a point in camera coordinates to pixels.
func (c Camera) Project(p Vec3) (u, v float64) {
	return c.Fx*p[0]/p[2] + c.Cx, c.Fy*p[1]/p[2] + c.Cy
}
