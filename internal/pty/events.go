package pty

import "sync"

// Events is the subscriber registry shared by the handle variants. Data
// listeners are invoked in emission order from a single emitting goroutine;
// the exit event fires at most once no matter how many times EmitExit is
// called.
type Events struct {
	mu     sync.Mutex
	nextID int
	data   map[int]func(string)
	exit   map[int]func(int, string)
	errs   map[int]func(error)

	exited   bool
	exitCode int
	exitSig  string
}

func NewEvents() *Events {
	return &Events{
		data: make(map[int]func(string)),
		exit: make(map[int]func(int, string)),
		errs: make(map[int]func(error)),
	}
}

func (e *Events) OnData(fn func(string)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.data[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.data, id)
		e.mu.Unlock()
	}
}

// OnExit subscribes to the exit event. A subscriber arriving after the
// process already ended is told immediately, so wiring order cannot lose
// the outcome.
func (e *Events) OnExit(fn func(int, string)) func() {
	e.mu.Lock()
	if e.exited {
		code, sig := e.exitCode, e.exitSig
		e.mu.Unlock()
		fn(code, sig)
		return func() {}
	}
	id := e.nextID
	e.nextID++
	e.exit[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.exit, id)
		e.mu.Unlock()
	}
}

func (e *Events) OnError(fn func(error)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.errs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.errs, id)
		e.mu.Unlock()
	}
}

func (e *Events) EmitData(data string) {
	for _, fn := range e.snapshotData() {
		fn(data)
	}
}

// EmitExit delivers the exit event exactly once; later calls are dropped so
// a kill racing the process's own termination cannot double-report.
func (e *Events) EmitExit(exitCode int, signal string) {
	e.mu.Lock()
	if e.exited {
		e.mu.Unlock()
		return
	}
	e.exited = true
	e.exitCode, e.exitSig = exitCode, signal
	fns := make([]func(int, string), 0, len(e.exit))
	for _, fn := range e.exit {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(exitCode, signal)
	}
}

func (e *Events) EmitError(err error) {
	e.mu.Lock()
	fns := make([]func(error), 0, len(e.errs))
	for _, fn := range e.errs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// Exited reports whether the exit event has already fired.
func (e *Events) Exited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}

func (e *Events) snapshotData() []func(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]func(string), 0, len(e.data))
	for _, fn := range e.data {
		fns = append(fns, fn)
	}
	return fns
}
