// Package logx configures ironscout's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, size-rotated in process
//   - A separate timing log for cycle/category durations
package logx
