// Package logx is the daemon's structured logger, a thin layer over zerolog.
//
// Console output is short and human readable (time, level, caller, message,
// key=value fields). The file sink appends one JSON object per line so the
// daemon log can be grepped or fed to jq. Sinks can be swapped at runtime via
// Service.Apply when the config is reloaded.
package logx
