// Package log provides structured, leveled logging for ebus components.
//
// Loggers are constructed explicitly and passed by dependency injection;
// there is no package-level default. Fields are attached either per-call or
// via With:
//
//	logger := log.NewLogger(log.WithLevel(log.DebugLevel))
//	logger = logger.With(log.Component("bus"))
//	logger.Debug("bus.publish", log.Str("topic", t), log.Int64("offset", off))
package log
