package stackutil

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetStackStartsAtCaller(t *testing.T) {
	a := assert.New(t)

	stack := GetStack(10, 0)
	if a.NotEmpty(stack) {
		a.Contains(stack[0].Function, "TestGetStackStartsAtCaller")
	}
}

func TestFormatStackFrame(t *testing.T) {
	a := assert.New(t)

	a.Equal("/src/a.go:12: pkg.Fn", FormatStackFrame(runtime.Frame{File: "/src/a.go", Line: 12, Function: "pkg.Fn"}))
}

func TestInPackage(t *testing.T) {
	a := assert.New(t)

	f := runtime.Frame{Function: "database/sql.(*DB).QueryContext"}

	a.True(InPackage(f, []string{"runtime", "database/sql"}))
	a.False(InPackage(f, []string{"database"}))
}
