// Recursive-remote | structured logging
//
// Replaces the teacher's verbosity-gated infof/debugf with a leveled
// zap logger (SPEC_FULL.md §A). Repeated -v raises the level; there is
// no -q flag. Nothing else in the process formats log lines by hand.
package main

import (
    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

var (
    zapAtom = zap.NewAtomicLevelAt(zapcore.InfoLevel)
    log     = newLogger()
)

func newLogger() *zap.SugaredLogger {
    cfg := zap.NewDevelopmentConfig()
    cfg.Level = zapAtom
    cfg.DisableStacktrace = true
    l, err := cfg.Build()
    if err != nil {
        // logging setup itself is not allowed to take the process down
        // a different way than everything else: fall back to a no-op
        // core rather than panicking before errcatch is installed.
        l = zap.NewNop()
    }
    return l.Sugar()
}

// setVerbosity maps the teacher's integer verbosity (0=silent,
// 1=info, 2=progress, 3=debug) onto zap levels.
func setVerbosity(v int) {
    switch {
    case v <= 0:
        zapAtom.SetLevel(zapcore.ErrorLevel)
    case v == 1:
        zapAtom.SetLevel(zapcore.InfoLevel)
    default:
        zapAtom.SetLevel(zapcore.DebugLevel)
    }
}
