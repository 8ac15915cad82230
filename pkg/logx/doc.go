// Package logx configures tutordash's structured logging.
//
// Components log through logx.Logger, a thin value type over zerolog:
//   - Console output is human readable (short timestamp + short caller)
//   - File output is JSON, one event per line
//   - An optional ops sink forwards warnings to a chat (min-level + rate limited)
package logx
