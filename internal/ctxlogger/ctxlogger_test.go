package ctxlogger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestGetLoggerDefaultsToStandardLogger(t *testing.T) {
	assert.Equal(t, logrus.StandardLogger(), GetLogger(context.Background()))
}

func TestWithFieldsNests(t *testing.T) {
	a := assert.New(t)

	ctx := WithLogger(context.Background(), logrus.New())
	ctx, _ = WithFields(ctx, logrus.Fields{"run.id": "r1"})
	_, l := WithFields(ctx, logrus.Fields{"channel.id": "c1"})

	if e, ok := l.(*logrus.Entry); a.True(ok) {
		a.Equal("r1", e.Data["run.id"])
		a.Equal("c1", e.Data["channel.id"])
	}
}
