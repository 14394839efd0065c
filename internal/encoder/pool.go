package encoder

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// Pool spreads Extract calls over several extractors so different sessions
// don't queue behind one process.
type Pool struct {
	idle    chan Extractor
	members []Extractor
}

// NewPool wraps already started extractors.
func NewPool(members ...Extractor) (*Pool, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("encoder pool needs at least one extractor")
	}

	p := &Pool{
		idle:    make(chan Extractor, len(members)),
		members: members,
	}
	for _, m := range members {
		p.idle <- m
	}
	return p, nil
}

// StartPythonPool launches n Python workers.
func StartPythonPool(n int, cfg WorkerConfig) (*Pool, error) {
	if n < 1 {
		n = 1
	}

	members := make([]Extractor, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewPythonWorker(i, cfg)
		if err != nil {
			for _, m := range members {
				m.Close()
			}
			return nil, err
		}
		members = append(members, w)
	}
	return NewPool(members...)
}

// Size returns the number of extractors in the pool.
func (p *Pool) Size() int {
	return len(p.members)
}

// Extract borrows an idle extractor for the duration of the call.
func (p *Pool) Extract(frame gocv.Mat) ([][]float64, error) {
	e := <-p.idle
	defer func() { p.idle <- e }()
	return e.Extract(frame)
}

// Close closes every member.
func (p *Pool) Close() error {
	var errs []error
	for _, m := range p.members {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
