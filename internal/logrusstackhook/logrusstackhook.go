package logrusstackhook

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/stackutil"
)

type FilterFunc func(index int, frame runtime.Frame) bool

func RemovePathsContaining(values []string) FilterFunc {
	return func(index int, frame runtime.Frame) bool {
		for _, value := range values {
			if strings.Contains(frame.File, value) {
				return false
			}
		}

		return true
	}
}

func RemovePackages(packages []string) FilterFunc {
	return func(index int, frame runtime.Frame) bool {
		return !stackutil.InPackage(frame, packages)
	}
}

func CombineFilters(a ...FilterFunc) FilterFunc {
	return func(index int, frame runtime.Frame) bool {
		for _, fn := range a {
			if !fn(index, frame) {
				return false
			}
		}

		return true
	}
}

var (
	DefaultLevels = []logrus.Level{logrus.DebugLevel, logrus.TraceLevel}
	DefaultFilter = CombineFilters(
		RemovePathsContaining([]string{"github.com/sirupsen/logrus"}),
		RemovePackages([]string{"fknsrs.biz/p/ytscribe/internal/logrusstackhook", "runtime"}),
	)
)

// StackHook attaches the calling stack to entries at the configured levels,
// one field per frame ("stack.00", "stack.01", ...).
type StackHook struct {
	levels []logrus.Level
	filter FilterFunc
	depth  int
}

func NewStackHook(levels []logrus.Level, filter FilterFunc) *StackHook {
	if levels == nil {
		levels = DefaultLevels
	}

	if filter == nil {
		filter = DefaultFilter
	}

	return &StackHook{levels: levels, filter: filter, depth: 25}
}

func (h *StackHook) Levels() []logrus.Level { return h.levels }

func (h *StackHook) Fire(e *logrus.Entry) error {
	i := 0

	for index, frame := range stackutil.GetStack(h.depth, 0) {
		if !h.filter(index, frame) {
			continue
		}

		e.Data[fmt.Sprintf("stack.%02d", i)] = stackutil.FormatStackFrame(frame)
		i++
	}

	return nil
}
