//go:build !otelotlp

// Package otelobs carries the tracing hooks. The default build keeps them
// as no-ops; build with -tags otelotlp to export spans over OTLP.
package otelobs

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// InitTracer is a no-op without the otelotlp build tag.
func InitTracer(_ context.Context, serviceName string, log zerolog.Logger) func(context.Context) error {
	log.Debug().Str("service", serviceName).Msg("tracing compiled out")
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler returns the handler unchanged without the otelotlp tag.
func WrapHTTPHandler(_ string, h http.Handler) http.Handler { return h }
