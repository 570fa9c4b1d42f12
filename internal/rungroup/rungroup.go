// Package rungroup runs a fixed, known-in-advance set of goroutines and
// collects the first error any of them returns. It exists so the daemon
// composition roots don't each need golang.org/x/sync/errgroup for two or
// three call sites.
package rungroup

// Group runs goroutines started with Go and waits for all of them with
// Wait, returning the first non-nil error seen. The zero value is ready to
// use.
type Group struct {
	errCh chan error
	count int
}

// Go starts fn in its own goroutine.
func (g *Group) Go(fn func() error) {
	if g.errCh == nil {
		g.errCh = make(chan error, 8)
	}
	g.count++
	go func() { g.errCh <- fn() }()
}

// Wait blocks until every goroutine started with Go has returned, then
// returns the first non-nil error among them (or nil if all succeeded).
func (g *Group) Wait() error {
	var first error
	for i := 0; i < g.count; i++ {
		if err := <-g.errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}
