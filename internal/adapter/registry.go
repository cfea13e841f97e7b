package adapter

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meshcore/internal/frame"
)

// Registry is the adapter manager: a named set of transports with uniform
// start/stop and frame-level send.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{adapters: make(map[string]Adapter), log: log}
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return ErrDuplicateReg
	}
	r.adapters[a.Name()] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

func (r *Registry) All() []Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

func (r *Registry) StartAll(ctx context.Context) error {
	for _, a := range r.All() {
		if err := a.Start(ctx); err != nil {
			return err
		}
		r.log.Info("adapter started", zap.String("adapter", a.Name()), zap.String("addr", a.LocalAddress()))
	}
	return nil
}

func (r *Registry) StopAll() error {
	var err error
	for _, a := range r.All() {
		err = multierr.Append(err, a.Stop())
	}
	return err
}

// SendFrame encodes f and transmits it via the named adapter, returning the
// frame's message id on success.
func (r *Registry) SendFrame(ctx context.Context, name, dest string, f *frame.Frame) (frame.MessageID, error) {
	a, ok := r.Get(name)
	if !ok {
		return frame.MessageID{}, ErrUnknown
	}
	data, err := frame.Encode(f)
	if err != nil {
		return frame.MessageID{}, err
	}
	if max := a.Capabilities().MaxFrameSize; max > 0 && len(data) > max {
		return frame.MessageID{}, ErrFrameTooBig
	}
	if err := a.Send(ctx, dest, data); err != nil {
		return frame.MessageID{}, err
	}
	return f.MessageID, nil
}
