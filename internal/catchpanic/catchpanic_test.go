package catchpanic

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errTest = errors.New("test_error")

func TestCatchError(t *testing.T) {
	a := assert.New(t)

	err := Catch(func() { panic(errTest) })
	a.ErrorIs(err, errTest)
}

func TestCatchString(t *testing.T) {
	a := assert.New(t)

	err := Catch(func() { panic("test_error") })
	a.ErrorContains(err, "test_error")
}

func explode() {
	panic("test_error")
}

func TestCatchPanicError(t *testing.T) {
	a := assert.New(t)

	err := Catch(explode)

	var perr *PanicError
	if !a.ErrorAs(err, &perr) {
		return
	}

	a.Equal("test_error", perr.Value)
	a.Nil(perr.Unwrap())

	var functions []string
	for _, frame := range perr.Stack {
		functions = append(functions, frame.Function)
	}
	a.Contains(strings.Join(functions, "\n"), "catchpanic.explode")

	fields := perr.Fields()
	a.Equal("test_error", fields["panic.value"])
	a.Len(fields, len(perr.Stack)+1)
}

func TestCatchNoPanic(t *testing.T) {
	assert.NoError(t, Catch(func() {}))
}

func TestCatchErr0(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func() error
		err  string
	}{
		{"ok", func() error { return nil }, ""},
		{"returned", func() error { return fmt.Errorf("test_error") }, "test_error"},
		{"panic_error", func() error { panic(fmt.Errorf("test_error")) }, "test_error"},
		{"panic_string", func() error { panic("test_error") }, "test_error"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := assert.New(t)

			err := CatchErr0(tc.fn)
			if tc.err == "" {
				a.NoError(err)
			} else {
				a.ErrorContains(err, tc.err)
			}
		})
	}
}

func TestCatchErr1(t *testing.T) {
	a := assert.New(t)

	{
		v, err := CatchErr1(func() (string, error) { return "test_result", nil })
		a.Equal("test_result", v)
		a.NoError(err)
	}

	{
		v, err := CatchErr1(func() (string, error) { return "test_result", errTest })
		a.Equal("test_result", v)
		a.ErrorIs(err, errTest)
	}

	{
		v, err := CatchErr1(func() (string, error) { panic(errTest) })
		a.Equal("", v)
		a.ErrorIs(err, errTest)
	}
}
