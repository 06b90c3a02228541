package supervisor

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"git.tatikoma.dev/corpix/shelf/errors"
)

type (
	Job func(ctx context.Context) error

	Task struct {
		name string
		weak bool
		fn   Job
	}
	TaskOption func(*Task)

	Loc struct {
		Package  string
		FuncName string
		File     string
		Line     int
	}

	// Error is reported when a task fails, it carries the task name.
	Error struct {
		Err  error
		name string
	}
	// Returned is the cancellation cause when a strong task returns.
	Returned struct {
		name string
	}
)

var ErrCanceled = errors.New("supervisor canceled")

// TaskName names the task in logs and errors, by default the name is derived
// from the job function location.
func TaskName(name string) TaskOption {
	return func(t *Task) {
		t.name = name
	}
}

// TaskWeak marks a task whose successful return does not stop the group.
func TaskWeak() TaskOption {
	return func(t *Task) {
		t.weak = true
	}
}

func (t *Task) Name() string { return t.name }

func (t *Task) Loc() (Loc, error) {
	v := reflect.ValueOf(t.fn)
	if v.Kind() != reflect.Func {
		return Loc{}, fmt.Errorf("expected a function, got %v", v.Kind())
	}
	pc := v.Pointer()
	if pc == 0 {
		return Loc{}, fmt.Errorf("invalid function pointer")
	}
	runtimeFunc := runtime.FuncForPC(pc)
	if runtimeFunc == nil {
		return Loc{}, fmt.Errorf("could not find function for PC")
	}

	var (
		file, line            = runtimeFunc.FileLine(pc)
		fullName              = runtimeFunc.Name()
		packageName, funcName string
	)
	if idx := strings.LastIndex(fullName, "."); idx != -1 {
		packageName, funcName = fullName[:idx], fullName[idx+1:]
	}

	return Loc{
		Package:  packageName,
		FuncName: funcName,
		File:     file,
		Line:     line,
	}, nil
}

func (l Loc) String() string {
	return fmt.Sprintf("%s.%s:%d", l.Package, l.FuncName, l.Line)
}

func newTask(fn Job, opts ...TaskOption) *Task {
	t := &Task{fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	if t.name == "" {
		loc, err := t.Loc()
		if err != nil {
			t.name = err.Error()
		} else {
			t.name = loc.String()
		}
	}
	return t
}

func (e Error) Name() string { return e.name }

func (e Error) Unwrap() error { return e.Err }

func (e Error) Error() string {
	return fmt.Sprintf("task %q failed: %s", e.name, e.Err)
}

func (r Returned) Error() string {
	return fmt.Sprintf("task %q returned", r.name)
}
