package jsvm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/kosmos/internal/connectors"
)

func TestIsAllowed(t *testing.T) {
	vm := New(0)

	tests := []struct {
		lang    string
		allowed bool
	}{
		{"js", true},
		{"JavaScript", true},
		{"", true},
		{"bash", false},
		{"python", false},
		{"ts", false},
	}

	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			if got := vm.IsAllowed(tt.lang); got != tt.allowed {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.lang, got, tt.allowed)
			}
		})
	}
}

func run(t *testing.T, vm *JSVM, code string) *connectors.ExecResult {
	t.Helper()
	res, err := vm.Execute(context.Background(), code, "js")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return res
}

func TestExecuteConsole(t *testing.T) {
	res := run(t, New(0), `
console.log("a", 1, true);
console.info("i");
console.warn("w");
console.error("e");
`)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got %+v", res)
	}
	want := "a 1 true\nINFO: i\nWARN: w\nERROR: e"
	if res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
}

func TestExecuteException(t *testing.T) {
	res := run(t, New(0), `console.log("before"); throw new Error("boom");`)
	if res.Status != connectors.ExecFailed {
		t.Fatalf("Expected failure, got %+v", res)
	}
	if res.Error != "boom" {
		t.Errorf("Error = %q, want boom", res.Error)
	}
	if res.Output != "before" {
		t.Errorf("Output before the throw should be kept, got %q", res.Output)
	}
}

func TestExecuteSyntaxError(t *testing.T) {
	res := run(t, New(0), `let = ;`)
	if res.Status != connectors.ExecFailed || res.Error == "" {
		t.Errorf("Expected syntax failure, got %+v", res)
	}
}

func TestSandboxHidesHostAccess(t *testing.T) {
	vm := New(0)
	for _, code := range []string{
		`require("fs")`,
		`process.exit(1)`,
		`fetch("http://example.com")`,
		`eval("1")`,
	} {
		t.Run(code, func(t *testing.T) {
			res := run(t, vm, code)
			if res.Status != connectors.ExecFailed {
				t.Fatalf("Expected %s to fail, got %+v", code, res)
			}
			if !strings.Contains(res.Error, "ReferenceError") {
				t.Errorf("Expected ReferenceError, got %q", res.Error)
			}
		})
	}
}

func TestSandboxGlobalsGone(t *testing.T) {
	res := run(t, New(0), `
var viaCtor = (function () {}).constructor("return typeof require + ' ' + typeof process")();
console.log(typeof require, typeof process, typeof fetch, typeof eval, viaCtor);
`)
	if res.Status != connectors.ExecSuccess {
		t.Fatalf("Expected success, got %+v", res)
	}
	if want := "undefined undefined undefined undefined undefined undefined"; res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
}

func TestSandboxKeepsBuiltins(t *testing.T) {
	res := run(t, New(0), `
console.log(JSON.stringify({a: [1, 2]}));
console.log(Math.max(1, 5), parseInt("42"), isNaN(NaN));
console.log(typeof Date.now(), new RegExp("x").test("xyz"));
`)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got %+v", res)
	}
	want := "{\"a\":[1,2]}\n5 42 true\nnumber true"
	if res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
}

func TestTimersVirtualClock(t *testing.T) {
	start := time.Now()
	res := run(t, New(0), `
setTimeout(function () { console.log("late"); }, 1000);
setTimeout(function () { console.log("early"); }, 10);
var n = 0;
var id = setInterval(function () {
  n++;
  if (n === 3) { clearInterval(id); console.log("ticks", n); }
}, 100);
var gone = setTimeout(function () { console.log("never"); }, 5);
clearTimeout(gone);
console.log("sync");
`)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got %+v", res)
	}
	want := "sync\nearly\nticks 3\nlate"
	if res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Timers should not wait on wall time")
	}
}

func TestPromiseResolves(t *testing.T) {
	res := run(t, New(0), `Promise.resolve(7).then(function (v) { console.log("got", v); });`)
	if res.Output != "got 7" {
		t.Errorf("Output = %q, want 'got 7'", res.Output)
	}
}

func TestExecuteTimeout(t *testing.T) {
	const timeout = 100 * time.Millisecond
	tests := []struct {
		name string
		code string
	}{
		{"busy loop", `while (true) {}`},
		{"loop in timer", `setTimeout(function () { while (true) {} }, 10)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := New(timeout)
			start := time.Now()
			res := run(t, vm, tt.code)
			elapsed := time.Since(start)

			if res.Status != connectors.ExecFailed {
				t.Fatalf("Expected failure, got %+v", res)
			}
			if !strings.Contains(res.Error, "timed out") {
				t.Errorf("Expected timeout error, got %q", res.Error)
			}
			if elapsed < timeout || elapsed > timeout+time.Second {
				t.Errorf("Execution stopped after %s, want close to %s", elapsed, timeout)
			}
		})
	}
}

func TestExecuteManualLanguage(t *testing.T) {
	res, err := New(0).Execute(context.Background(), "ls -la", "bash")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Manual() {
		t.Errorf("Expected manual result, got %+v", res)
	}
	if res.Output != "Language bash requires manual execution" {
		t.Errorf("Unexpected output %q", res.Output)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(0).Execute(ctx, `console.log(1)`, "js")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRuntimesAreIsolated(t *testing.T) {
	vm := New(0)
	run(t, vm, `globalThis.leak = 1;`)
	res := run(t, vm, `console.log(typeof leak);`)
	if res.Output != "undefined" {
		t.Errorf("State leaked between executions: %q", res.Output)
	}
}
