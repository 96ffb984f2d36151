// Package observability provides structured logging and tracing for the
// authentication core. All components log through the Logger interface so
// tests can swap in a nop logger and production wiring can attach a shared
// zap core.
package observability
