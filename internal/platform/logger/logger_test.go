package logger_test

import (
	"bytes"
	"context"
	"testing"

	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/testkit"
)

func TestInitAndContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Options{
		Level:   "debug",
		Format:  "json",
		Service: "fluxgate-test",
		Writer:  &buf,
	})

	ctx := logger.WithRequest(context.Background(), "req-123", "telegraf")
	logger.C(ctx).Info().Msg("pipeline start")

	out := buf.String()
	testkit.MustContain(t, out, `"request_id":"req-123"`)
	testkit.MustContain(t, out, `"schema":"telegraf"`)
	testkit.MustContain(t, out, `"service":"fluxgate-test"`)
}

func TestNamedComponent(t *testing.T) {
	// root logger already initialized by the previous test (Init is once-only)
	l := logger.Named("guard")
	if l == nil {
		t.Fatalf("Named returned nil")
	}
}

func TestCWithEmptyContext(t *testing.T) {
	// must not panic and must return a usable logger
	l := logger.C(context.Background())
	l.Debug().Msg("no request fields")
}
