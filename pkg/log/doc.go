// Package log provides structured logging for containerv built on zerolog.
//
// The package maintains a global logger configured once at program start
// via Init. Components derive child loggers with WithComponent or
// WithContainerID so every line carries enough context to attribute it.
package log
