// Package logger configures the process-wide zerolog logger and hands out
// component-tagged child loggers for the hub, exporter, agent and the
// subsystems they share.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Initialize must be called once at
// startup before any component logger is used.
var Log zerolog.Logger

// Initialize configures the global logger. level is any zerolog level name
// ("debug", "info", "warn", "error"); pretty selects a human-readable
// console writer for local development instead of JSON lines.
func Initialize(service, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", service).Logger()
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Hub returns the logger used by the hub's matching/reservation engine.
func Hub() *zerolog.Logger { return component("hub") }

// Exporter returns the logger used by the exporter's proxy and place
// registration code.
func Exporter() *zerolog.Logger { return component("exporter") }

// Agent returns the logger used by the agent's tunnel and reservation
// lifecycle code.
func Agent() *zerolog.Logger { return component("agent") }

// RPC returns the logger used by the JSON-RPC channel.
func RPC() *zerolog.Logger { return component("jsonrpc") }

// USBIP returns the logger used by the USB/IP client and server.
func USBIP() *zerolog.Logger { return component("usbip") }

// Auth returns the logger used by the authenticator and OIDC flows.
func Auth() *zerolog.Logger { return component("auth") }

// HTTP returns the logger used by the HTTP client and proxy tunnel.
func HTTP() *zerolog.Logger { return component("http") }
