// Package testdata builds synthetic frames for tests. Frames are generated
// rather than stored so quality scores are predictable.
package testdata

import (
	"encoding/base64"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Default frame size used by the fixtures.
const (
	Width  = 640
	Height = 480
)

// UniformFrame returns a BGR frame where every pixel is level.
// The caller must Close it.
func UniformFrame(width, height int, level uint8) gocv.Mat {
	v := float64(level)
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), height, width, gocv.MatTypeCV8UC3)
}

// CheckerFrame returns a BGR checkerboard of dark and light squares.
// The caller must Close it.
func CheckerFrame(width, height, square int, dark, light uint8) gocv.Mat {
	frame := UniformFrame(width, height, dark)
	fill := color.RGBA{R: light, G: light, B: light, A: 255}

	for y := 0; y < height; y += square {
		for x := 0; x < width; x += square {
			if (x/square+y/square)%2 == 0 {
				continue
			}
			r := image.Rect(x, y, min(x+square, width), min(y+square, height))
			gocv.Rectangle(&frame, r, fill, -1)
		}
	}
	return frame
}

// SharpFrame is a mid-brightness checkerboard that passes the default
// quality gate: mean 125, Laplacian variance in the thousands.
func SharpFrame() gocv.Mat {
	return CheckerFrame(Width, Height, 16, 50, 200)
}

// BlurredFrame is SharpFrame smeared by a wide Gaussian so its edges carry
// almost no Laplacian energy while brightness stays in range.
func BlurredFrame() gocv.Mat {
	sharp := SharpFrame()
	defer sharp.Close()

	blurred := gocv.NewMat()
	gocv.GaussianBlur(sharp, &blurred, image.Point{X: 51, Y: 51}, 0, 0, gocv.BorderDefault)
	return blurred
}

// DarkFrame is an all black frame.
func DarkFrame() gocv.Mat {
	return UniformFrame(Width, Height, 0)
}

// EncodeJPEG encodes frame as JPEG bytes.
func EncodeJPEG(frame gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory released by Close.
	return append([]byte(nil), buf.GetBytes()...), nil
}

// DataURL encodes frame the way a browser canvas does.
func DataURL(frame gocv.Mat) (string, error) {
	data, err := EncodeJPEG(frame)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}
