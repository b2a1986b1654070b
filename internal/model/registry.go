package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Role identifies which pipeline stage a model serves.
type Role string

const (
	RoleRecognition Role = "recognition"
	RoleAlignment   Role = "alignment"
	RoleDiarization Role = "diarization"
)

// ErrNilModel is returned when a loader reports success without a model.
var ErrNilModel = errors.New("loader returned no model")

// Key addresses one cached model. Specialization is the language code for
// alignment models and the device for recognition and diarization models.
type Key struct {
	Role           Role
	Specialization string
}

func (k Key) String() string {
	return string(k.Role) + "/" + k.Specialization
}

// Handle is a loaded model owned by a Registry. Stages borrow it for one call
// and must not retain or mutate it.
type Handle struct {
	Role           Role
	Specialization string
	Model          any
}

// LoaderFunc builds a model for one role and specialization. It may block for
// a long time and allocate device memory.
type LoaderFunc func(ctx context.Context) (any, error)

// Registry caches loaded models for the lifetime of the process. Concurrent
// first-time requests for the same key share a single loader invocation.
type Registry struct {
	mu      sync.RWMutex
	handles map[Key]*Handle
	group   singleflight.Group
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handles: make(map[Key]*Handle),
		logger:  logger,
	}
}

// Get returns the cached handle for (role, specialization) or runs load and
// caches its result. Loader errors are returned unmodified and nothing is
// cached. A caller whose context ends while waiting on another caller's load
// returns ctx.Err(). The load runs under the context of the caller that
// started it; a waiter whose shared load was cancelled by that caller while
// its own context is still live starts the load again under its own context.
func (r *Registry) Get(ctx context.Context, role Role, specialization string, load LoaderFunc) (*Handle, error) {
	key := Key{Role: role, Specialization: specialization}
	if h, ok := r.lookup(key); ok {
		r.logger.Debug("model cache hit", zap.String("model", key.String()))
		return h, nil
	}
	if load == nil {
		return nil, fmt.Errorf("no loader for model %s", key)
	}

	h, err := r.wait(ctx, key, load)
	if isContextErr(err) && ctx.Err() == nil {
		r.logger.Debug("shared model load was cancelled; retrying", zap.String("model", key.String()))
		h, err = r.wait(ctx, key, load)
	}
	return h, err
}

func (r *Registry) wait(ctx context.Context, key Key, load LoaderFunc) (*Handle, error) {
	ch := r.group.DoChan(key.String(), func() (any, error) {
		if h, ok := r.lookup(key); ok {
			return h, nil
		}

		r.logger.Info("loading model", zap.String("role", string(key.Role)), zap.String("specialization", key.Specialization))
		m, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, ErrNilModel
		}

		h := &Handle{Role: key.Role, Specialization: key.Specialization, Model: m}
		r.mu.Lock()
		r.handles[key] = h
		r.mu.Unlock()
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Has reports whether a model is cached without loading anything.
func (r *Registry) Has(role Role, specialization string) bool {
	_, ok := r.lookup(Key{Role: role, Specialization: specialization})
	return ok
}

// Keys lists cached models ordered by role then specialization.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Role != keys[j].Role {
			return keys[i].Role < keys[j].Role
		}
		return keys[i].Specialization < keys[j].Specialization
	})
	return keys
}

// Release drops cached models for the given roles, or all models when no
// role is given. Models implementing io.Closer are closed; close errors are
// joined and returned after every handle has been dropped.
func (r *Registry) Release(roles ...Role) error {
	match := func(Role) bool { return true }
	if len(roles) > 0 {
		set := make(map[Role]struct{}, len(roles))
		for _, role := range roles {
			set[role] = struct{}{}
		}
		match = func(role Role) bool {
			_, ok := set[role]
			return ok
		}
	}

	r.mu.Lock()
	dropped := make([]*Handle, 0, len(r.handles))
	for k, h := range r.handles {
		if match(k.Role) {
			dropped = append(dropped, h)
			delete(r.handles, k)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, h := range dropped {
		r.logger.Debug("releasing model", zap.String("role", string(h.Role)), zap.String("specialization", h.Specialization))
		if closer, ok := h.Model.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("release %s/%s: %w", h.Role, h.Specialization, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) lookup(key Key) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}
