package slplog

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// WithLogrus returns ctx carrying a dlog logger backed by logrus, formatted
// with Formatter, at the given level.
func WithLogrus(ctx context.Context, level logrus.Level) context.Context {
	lr := logrus.New()
	lr.SetLevel(level)
	lr.SetFormatter(NewFormatter(""))
	return dlog.WithLogger(ctx, dlog.WrapLogrus(lr))
}
