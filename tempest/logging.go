package tempest

import "go.uber.org/zap"

// nopLogger is shared by every component that isn't handed an explicit
// *zap.Logger, so library consumers never have to nil-check before
// logging (mirrors the optional-logger pattern in
// agentries-amp-relay-go's transport layer).
var nopLogger = zap.NewNop()

func orNopLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return nopLogger
	}
	return l
}
