// Package logger provides structured logging for the collection engine.
//
// It wraps zerolog behind a small Logger interface with support for
// leveled logging, structured fields, pretty console output, optional
// file output, and a global instance for packages that do not receive a
// logger explicitly.
package logger
