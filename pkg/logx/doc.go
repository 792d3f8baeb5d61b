// Package logx wraps zerolog behind a small stable API so components do not
// import zerolog directly.
//
// The Service owns the sinks (console, file) and can swap them at runtime on
// config reload; Loggers handed out before a reload keep working.
package logx
