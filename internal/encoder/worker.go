package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"gocv.io/x/gocv"
)

// ErrWorkerClosed is returned after Close.
var ErrWorkerClosed = errors.New("encoder worker closed")

// ErrResponseTooLarge is returned when a worker announces a response longer
// than MaxResponseSize.
var ErrResponseTooLarge = errors.New("encoder worker response too large")

// MaxResponseSize caps one worker response. A frame with a dozen faces of
// 128 float64 values stays far below it.
const MaxResponseSize = 1 << 20

// WorkerConfig describes how to launch the Python encoding worker.
type WorkerConfig struct {
	Python string
	Script string
	// Model is passed to face_recognition ("hog" or "cnn").
	Model string
}

// PythonWorker runs one encoding worker process. Frames go in on stdin as
// [len][jpeg]; results come back on a dedicated pipe (FD 3 in the child) so
// library chatter on stdout can't corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *exec.Cmd
	Stderr   *bytes.Buffer
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg    WorkerConfig
	mu     sync.Mutex
	closed bool
}

// NewPythonWorker starts a worker process.
func NewPythonWorker(id int, cfg WorkerConfig) (*PythonWorker, error) {
	w := &PythonWorker{ID: id, cfg: cfg}
	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PythonWorker) start() error {
	python := w.cfg.Python
	if python == "" {
		python = "python3"
	}
	args := []string{"-u", w.cfg.Script}
	if w.cfg.Model != "" {
		args = append(args, "--model", w.cfg.Model)
	}

	cmd := exec.Command(python, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{pw}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Only the child keeps the write end.
	pw.Close()

	w.Cmd = cmd
	w.Stderr = stderr
	w.Stdin = stdin
	w.DataPipe = r
	return nil
}

// Communicate sends one request and waits for its response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > MaxResponseSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Extract encodes frame as JPEG and asks the worker for embeddings. If the
// process died on a previous call it is restarted first.
func (w *PythonWorker) Extract(frame gocv.Mat) ([][]float64, error) {
	data, err := encodeFrame(frame)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWorkerClosed
	}
	if w.Stdin == nil {
		if err := w.start(); err != nil {
			return nil, err
		}
	}

	resp, err := w.Communicate(data)
	if err != nil {
		// stop waits for the process, so stderr is fully copied afterwards.
		w.stop()
		logs := w.crashLogs()
		if logs != "" {
			return nil, fmt.Errorf("worker %d: %w\n%s", w.ID, err, logs)
		}
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}

	return decodeEmbeddings(resp)
}

func (w *PythonWorker) crashLogs() string {
	if w.Stderr == nil {
		return ""
	}
	return w.Stderr.String()
}

func (w *PythonWorker) stop() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		if w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		w.Cmd.Wait()
	}
	w.Cmd = nil
	w.Stdin = nil
	w.DataPipe = nil
}

// Close stops the worker process.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	var err error
	if w.Cmd != nil {
		err = w.Cmd.Wait()
	}
	w.Cmd = nil
	w.Stdin = nil
	w.DataPipe = nil
	return err
}
