package catchpanic

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/stackutil"
)

const stackDepth = 32

// PanicError is a recovered panic. Stack starts at the function that
// panicked.
type PanicError struct {
	Value interface{}
	Stack []runtime.Frame
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("catchpanic: recovered: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

// Fields describes the panic for a log entry.
func (e *PanicError) Fields() logrus.Fields {
	fields := logrus.Fields{"panic.value": fmt.Sprint(e.Value)}

	for i, frame := range e.Stack {
		fields[fmt.Sprintf("panic.stack.%02d", i)] = stackutil.FormatStackFrame(frame)
	}

	return fields
}

// Catch runs fn and converts a panic into a *PanicError.
func Catch(fn func()) (err error) {
	defer func() {
		if ex := recover(); ex != nil {
			// skip the deferred function and runtime.gopanic
			err = &PanicError{Value: ex, Stack: stackutil.GetStack(stackDepth, 2)}
		}
	}()

	fn()

	return
}

func CatchErr0(fn func() error) error {
	var err error

	if err1 := Catch(func() { err = fn() }); err1 != nil {
		return err1
	}

	return err
}

func CatchErr1[T any](fn func() (T, error)) (T, error) {
	var res T
	var err error

	if err1 := Catch(func() { res, err = fn() }); err1 != nil {
		err = err1
	}

	return res, err
}
