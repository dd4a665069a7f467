package server

import "fmt"

// workRequest represents a unit of work to be executed on the worker
// goroutine.
type workRequest struct {
	fn   func() interface{}
	done chan workResult
}

// workResult holds the return value from a unit of work.
type workResult struct {
	value interface{}
	err   error
}

// CompileWorker serializes document analysis through a single goroutine.
// Editors fire change events concurrently; running every compile on one
// goroutine keeps analyses ordered per the event stream and turns a
// compiler panic into a handler error instead of a dead server.
type CompileWorker struct {
	requests chan workRequest
	quit     chan struct{}
}

// NewCompileWorker creates a CompileWorker and starts the processing
// goroutine.
func NewCompileWorker() *CompileWorker {
	w := &CompileWorker{
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *CompileWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			result := w.execute(req.fn)
			req.done <- result
		case <-w.quit:
			return
		}
	}
}

// execute runs a unit of work, recovering from panics.
func (w *CompileWorker) execute(fn func() interface{}) workResult {
	var result workResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn()
	}()
	return result
}

// Do submits a function for execution on the worker goroutine and blocks
// until it completes. Returns the result and any error (including panics).
func (w *CompileWorker) Do(fn func() interface{}) (interface{}, error) {
	req := workRequest{
		fn:   fn,
		done: make(chan workResult, 1),
	}
	w.requests <- req
	result := <-req.done
	return result.value, result.err
}

// Stop shuts down the worker goroutine.
func (w *CompileWorker) Stop() {
	close(w.quit)
}
