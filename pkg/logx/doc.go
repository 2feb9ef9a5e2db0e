// Package logx is chatbridge's structured logging, a thin wrapper over
// zerolog:
//   - console output with a short timestamp and caller
//   - JSON records in an optional log file
//   - an optional chat sink that mirrors warnings into a Telegram or Discord
//     chat, rate limited
package logx
