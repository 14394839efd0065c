// Package encoder computes face embeddings from frames that passed the pose
// and quality checks.
package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"gocv.io/x/gocv"
)

// Extractor returns zero or more embeddings for a frame. Callers use the
// first one.
type Extractor interface {
	Extract(frame gocv.Mat) ([][]float64, error)
	Close() error
}

// Response status bytes written by the worker.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxEmbeddings and maxDim bound what decodeEmbeddings will allocate.
const (
	maxEmbeddings = 64
	maxDim        = 4096
)

// decodeEmbeddings parses a worker payload.
//
//	OK:    [0] [count uint32] [dim uint32] [count*dim float64]
//	Error: [1] [len uint32] [message]
func decodeEmbeddings(payload []byte) ([][]float64, error) {
	r := bytes.NewReader(payload)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}

	switch status {
	case statusOK:
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("read error message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var header struct {
		Count uint32
		Dim   uint32
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header.Count > maxEmbeddings || header.Dim > maxDim {
		return nil, fmt.Errorf("implausible response: %d embeddings of %d dims", header.Count, header.Dim)
	}

	out := make([][]float64, header.Count)
	for i := range out {
		out[i] = make([]float64, header.Dim)
		if err := binary.Read(r, binary.BigEndian, out[i]); err != nil {
			return nil, fmt.Errorf("read embedding %d: %w", i, err)
		}
	}
	return out, nil
}

// encodeEmbeddings is the inverse of decodeEmbeddings for the OK case.
func encodeEmbeddings(embs [][]float64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(statusOK)

	dim := 0
	if len(embs) > 0 {
		dim = len(embs[0])
	}
	binary.Write(&buf, binary.BigEndian, uint32(len(embs)))
	binary.Write(&buf, binary.BigEndian, uint32(dim))
	for _, e := range embs {
		binary.Write(&buf, binary.BigEndian, e)
	}
	return buf.Bytes()
}

func encodeFrame(frame gocv.Mat) ([]byte, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("encode frame: empty")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
