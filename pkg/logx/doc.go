// Package logx wraps zerolog behind a small structured-logging façade.
//
// A Logger created from a Service stays live across Apply() calls, so log
// level and sinks can change at runtime (config hot reload) without
// re-plumbing loggers through every component.
package logx
