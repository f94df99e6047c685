package superres

import "context"

// Future is the pending result of one inference.
type Future struct {
	id   string
	done chan struct{}
	res  Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) bind(id string) { f.id = id }

func (f *Future) complete(r Result) {
	f.res = r
	close(f.done)
}

// ID identifies the inference; it matches Result.ID.
func (f *Future) ID() string { return f.id }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the inference completes or ctx ends. The returned error
// is the inference error, or ctx.Err() if ctx ended first.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.res.Err
	case <-ctx.Done():
		return Result{ID: f.id}, ctx.Err()
	}
}
