// Package detector owns the lifecycle of the external landmark model.
//
// An Adapter is an explicit handle passed to each monitoring session. It loads
// the model lazily and at most once, even under concurrent Initialize calls,
// and turns "not loaded yet" into an empty result instead of an error.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/proctor/internal/types"
	"golang.org/x/sync/singleflight"
)

// Model is a loaded landmark/blendshape engine.
type Model interface {
	Detect(frame types.Frame) (*types.DetectionResult, error)
	Close() error
}

// Loader loads a Model. It may be slow (downloads, process start-up).
type Loader func(ctx context.Context) (Model, error)

// InitializationError reports that the model could not be loaded. Initialize may be retried.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("detector initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ErrClosed is returned by Initialize after Close.
var ErrClosed = errors.New("detector closed")

// Adapter wraps a Loader with idempotent initialization and teardown.
type Adapter struct {
	load  Loader
	group singleflight.Group

	mu     sync.RWMutex
	model  Model
	closed bool
}

func NewAdapter(load Loader) *Adapter {
	return &Adapter{load: load}
}

// Initialize loads the model. Calls after a successful load return immediately;
// concurrent callers share a single underlying load.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.RLock()
	ready, closed := a.model != nil, a.closed
	a.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ready {
		return nil
	}

	_, err, _ := a.group.Do("load", func() (interface{}, error) {
		// A caller that lost the race to a finished load lands here after it completed.
		a.mu.RLock()
		ready := a.model != nil
		a.mu.RUnlock()
		if ready {
			return nil, nil
		}

		m, err := a.load(ctx)
		if err != nil {
			return nil, &InitializationError{Err: err}
		}
		if m == nil {
			return nil, &InitializationError{Err: errors.New("loader returned no model")}
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			m.Close()
			return nil, ErrClosed
		}
		a.model = m
		return nil, nil
	})
	return err
}

// Ready reports whether Detect will reach a loaded model.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model != nil
}

// Detect runs inference on one frame. It returns (nil, nil) when the model is not loaded,
// which callers treat as "no data this tick".
func (a *Adapter) Detect(frame types.Frame) (*types.DetectionResult, error) {
	a.mu.RLock()
	m := a.model
	a.mu.RUnlock()
	if m == nil {
		return nil, nil
	}

	res, err := m.Detect(frame)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &types.DetectionResult{}
	}
	return res, nil
}

// Close releases the model. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	m := a.model
	a.model = nil
	a.closed = true
	a.mu.Unlock()

	if m == nil {
		return nil
	}
	return m.Close()
}
