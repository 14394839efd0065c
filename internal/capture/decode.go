package capture

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// ErrInvalidImage is returned when a submitted image cannot be decoded.
var ErrInvalidImage = errors.New("invalid image data")

// DecodeImage decodes a data URL ("data:image/jpeg;base64,...") or a bare
// base64 string into a BGR frame. It also returns the raw encoded bytes.
// The caller must close the returned Mat.
func DecodeImage(s string) (gocv.Mat, []byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return gocv.Mat{}, nil, fmt.Errorf("%w: empty", ErrInvalidImage)
	}

	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.HasSuffix(s[:comma], ";base64") {
			return gocv.Mat{}, nil, fmt.Errorf("%w: malformed data URL", ErrInvalidImage)
		}
		s = s[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Browsers sometimes drop padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return gocv.Mat{}, nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}

	img, err := DecodeBytes(data)
	if err != nil {
		return gocv.Mat{}, nil, err
	}
	return img, data, nil
}

// DecodeBytes decodes an encoded image (JPEG, PNG, ...) into a BGR frame.
func DecodeBytes(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.Mat{}, fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("%w: not a supported image format", ErrInvalidImage)
	}
	return img, nil
}

// EncodeJPEG encodes frame as JPEG.
func EncodeJPEG(frame gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
