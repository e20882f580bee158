// Package jsvm runs JavaScript step code in an isolated goja runtime.
package jsvm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/fentz26/kosmos/internal/connectors"
)

// DefaultTimeout bounds a single execution when none is configured.
const DefaultTimeout = 5 * time.Second

// allowedGlobals is the complete set of names left on the global object.
// Everything else the runtime defines is deleted before the script runs.
var allowedGlobals = map[string]bool{
	"JSON":           true,
	"Math":           true,
	"Date":           true,
	"Array":          true,
	"Object":         true,
	"String":         true,
	"Number":         true,
	"Boolean":        true,
	"RegExp":         true,
	"Error":          true,
	"TypeError":      true,
	"RangeError":     true,
	"SyntaxError":    true,
	"ReferenceError": true,
	"Promise":        true,
	"parseInt":       true,
	"parseFloat":     true,
	"isNaN":          true,
	"isFinite":       true,
	"NaN":            true,
	"Infinity":       true,
	"undefined":      true,
	"globalThis":     true,
}

// languages maps accepted fence tags. An untagged executable block is
// treated as JavaScript.
var languages = map[string]bool{
	"":           true,
	"js":         true,
	"javascript": true,
}

// ErrTimeout is reported in the result when a script exceeds its budget.
var ErrTimeout = errors.New("execution timed out")

// JSVM implements the Connector interface on top of goja.
type JSVM struct {
	timeout time.Duration
}

// New creates a JSVM connector. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration) *JSVM {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &JSVM{timeout: timeout}
}

// Name returns the connector identifier.
func (j *JSVM) Name() string {
	return "jsvm"
}

// Timeout returns the per-execution budget.
func (j *JSVM) Timeout() time.Duration {
	return j.timeout
}

// IsAllowed reports whether language is JavaScript.
func (j *JSVM) IsAllowed(language string) bool {
	return languages[strings.ToLower(strings.TrimSpace(language))]
}

// Execute runs code in a fresh runtime. Unsupported languages return the
// manual-execution result; script failures are captured in the result.
func (j *JSVM) Execute(ctx context.Context, code, language string) (*connectors.ExecResult, error) {
	if !j.IsAllowed(language) {
		return connectors.ManualResult(language), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	out := &output{}
	runErr := j.run(ctx, code, out)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &connectors.ExecResult{
		Status:   connectors.ExecSuccess,
		Language: language,
		Output:   out.String(),
		Duration: time.Since(started),
	}
	if runErr != nil {
		res.Status = connectors.ExecFailed
		res.Error = runErr.Error()
	}
	return res, nil
}

// run executes code and drains pending timers. Returned errors are script
// level failures.
func (j *JSVM) run(ctx context.Context, code string, out *output) (err error) {
	rt := goja.New()

	timers := &timerQueue{}
	if err := sandbox(rt, out, timers); err != nil {
		return fmt.Errorf("prepare sandbox: %w", err)
	}

	timer := time.AfterFunc(j.timeout, func() {
		rt.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		rt.Interrupt(ctx.Err())
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime panic: %v", r)
		}
	}()

	if _, err := rt.RunString(code); err != nil {
		return j.scriptError(err)
	}
	if err := timers.drain(rt); err != nil {
		return j.scriptError(err)
	}
	return nil
}

func (j *JSVM) scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok && errors.Is(v, ErrTimeout) {
			return fmt.Errorf("%w after %s", ErrTimeout, j.timeout)
		}
		if v, ok := interrupted.Value().(error); ok {
			return v
		}
		return fmt.Errorf("interrupted: %v", interrupted.Value())
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		if obj, ok := exc.Value().(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) && name.String() != "Error" {
					return errors.New(name.String() + ": " + msg.String())
				}
				return errors.New(msg.String())
			}
		}
		return errors.New(exc.Value().String())
	}
	return err
}

// sandbox strips the global object down to allowedGlobals and installs
// console and the virtual timer functions.
func sandbox(rt *goja.Runtime, out *output, timers *timerQueue) error {
	names, err := globalNames(rt)
	if err != nil {
		return err
	}
	global := rt.GlobalObject()
	for _, name := range names {
		if allowedGlobals[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("remove global %s: %w", name, err)
		}
	}

	console := rt.NewObject()
	for method, prefix := range map[string]string{
		"log":   "",
		"debug": "",
		"info":  "INFO: ",
		"warn":  "WARN: ",
		"error": "ERROR: ",
	} {
		prefix := prefix
		if err := console.Set(method, func(call goja.FunctionCall) goja.Value {
			out.add(prefix, call.Arguments)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := rt.Set("console", console); err != nil {
		return err
	}

	if err := rt.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(timers.add(rt, call, false))
	}); err != nil {
		return err
	}
	if err := rt.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(timers.add(rt, call, true))
	}); err != nil {
		return err
	}
	clearTimer := func(call goja.FunctionCall) goja.Value {
		timers.cancel(call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	if err := rt.Set("clearTimeout", clearTimer); err != nil {
		return err
	}
	return rt.Set("clearInterval", clearTimer)
}

// globalNames lists every own property of the global object, including
// the non-enumerable builtins.
func globalNames(rt *goja.Runtime) ([]string, error) {
	v, err := rt.RunString("Object.getOwnPropertyNames(globalThis)")
	if err != nil {
		return nil, fmt.Errorf("list globals: %w", err)
	}
	var names []string
	if err := rt.ExportTo(v, &names); err != nil {
		return nil, fmt.Errorf("list globals: %w", err)
	}
	return names, nil
}

// output collects console lines.
type output struct {
	mu    sync.Mutex
	lines []string
}

func (o *output) add(prefix string, args []goja.Value) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	o.mu.Lock()
	o.lines = append(o.lines, prefix+strings.Join(parts, " "))
	o.mu.Unlock()
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

// maxTimerRuns caps how many callbacks one execution may fire, so an
// uncleared setInterval terminates.
const maxTimerRuns = 10000

// timerQueue is a virtual clock. Callbacks never wait on wall time: once
// the script body finishes they fire in due-time order.
type timerQueue struct {
	now    int64
	nextID int64
	timers []*vtimer
}

type vtimer struct {
	id       int64
	due      int64
	interval int64
	repeat   bool
	seq      int64
	fn       goja.Callable
	args     []goja.Value
}

func (q *timerQueue) add(rt *goja.Runtime, call goja.FunctionCall, repeat bool) int64 {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(rt.NewTypeError("callback must be a function"))
	}
	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	q.nextID++
	q.timers = append(q.timers, &vtimer{
		id:       q.nextID,
		due:      q.now + delay,
		interval: delay,
		repeat:   repeat,
		seq:      q.nextID,
		fn:       fn,
		args:     args,
	})
	return q.nextID
}

func (q *timerQueue) cancel(id int64) {
	for i, t := range q.timers {
		if t.id == id {
			q.timers = append(q.timers[:i], q.timers[i+1:]...)
			return
		}
	}
}

func (q *timerQueue) drain(rt *goja.Runtime) error {
	for runs := 0; len(q.timers) > 0; runs++ {
		if runs >= maxTimerRuns {
			return fmt.Errorf("timer limit of %d callbacks exceeded", maxTimerRuns)
		}
		sort.SliceStable(q.timers, func(i, j int) bool {
			if q.timers[i].due != q.timers[j].due {
				return q.timers[i].due < q.timers[j].due
			}
			return q.timers[i].seq < q.timers[j].seq
		})
		t := q.timers[0]
		q.timers = q.timers[1:]
		q.now = t.due
		if t.repeat {
			step := t.interval
			if step < 1 {
				step = 1
			}
			q.nextID++
			t.due += step
			t.seq = q.nextID
			q.timers = append(q.timers, t)
		}
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return err
		}
	}
	return nil
}
