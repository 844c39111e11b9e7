package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Reserved Properties keys BuildLogger consults beyond LOGGER.
const (
	LogFileKey   = "LOG_FILE"
	LogRemoteKey = "LOG_REMOTE_ADDR"
)

// BuildLogger builds a zap.Logger whose core is the tee of every sink named in
// props.Logger() (comma-separated among "console", "file", "remote"). "file" writes to
// props[LOG_FILE] (default "rpcserver.log"); "remote" dials props[LOG_REMOTE_ADDR] over
// TCP and streams JSON log lines to it for the logger's lifetime. A dial failure just
// drops that one sink rather than failing startup, since logging must never be the
// reason a server fails to come up.
func BuildLogger(props Properties) (*zap.Logger, error) {
	var cores []zapcore.Core
	encoderCfg := zap.NewProductionEncoderConfig()

	for _, sink := range strings.Split(props.Logger(), ",") {
		switch strings.TrimSpace(sink) {
		case "console":
			cores = append(cores, zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.Lock(os.Stdout),
				zapcore.InfoLevel,
			))
		case "file":
			path := props[LogFileKey]
			if path == "" {
				path = "rpcserver.log"
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("config: open log file %s: %w", path, err)
			}
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderCfg),
				zapcore.AddSync(f),
				zapcore.InfoLevel,
			))
		case "remote":
			addr := props[LogRemoteKey]
			if addr == "" {
				continue
			}
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				continue
			}
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderCfg),
				zapcore.AddSync(conn),
				zapcore.InfoLevel,
			))
		}
	}

	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			zapcore.InfoLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
