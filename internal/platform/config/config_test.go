package config_test

import (
	"testing"
	"time"

	"fluxgate/internal/platform/config"
)

func TestPrefixComposition(t *testing.T) {
	t.Setenv("FLUXGATE_HTTP_PORT", "8888")

	c := config.New().Prefix("FLUXGATE_").Prefix("HTTP_")
	if got := c.MayString("PORT", ""); got != "8888" {
		t.Fatalf("expected nested prefix lookup, got %q", got)
	}
}

func TestMayGettersFallBack(t *testing.T) {
	c := config.New().Prefix("FLUXGATE_TEST_")

	if got := c.MayString("NOPE", "dflt"); got != "dflt" {
		t.Fatalf("MayString default: %q", got)
	}
	if got := c.MayInt("NOPE", 42); got != 42 {
		t.Fatalf("MayInt default: %d", got)
	}
	if got := c.MayBool("NOPE", true); !got {
		t.Fatalf("MayBool default: %v", got)
	}
	if got := c.MayDuration("NOPE", time.Minute); got != time.Minute {
		t.Fatalf("MayDuration default: %v", got)
	}
}

func TestMayGettersParse(t *testing.T) {
	t.Setenv("FLUXGATE_TEST_RETRIES", "3")
	t.Setenv("FLUXGATE_TEST_TIMEOUT", "90s")
	t.Setenv("FLUXGATE_TEST_AUTORP", "false")

	c := config.New().Prefix("FLUXGATE_TEST_")
	if got := c.MayInt("RETRIES", 0); got != 3 {
		t.Fatalf("MayInt: %d", got)
	}
	if got := c.MayDuration("TIMEOUT", 0); got != 90*time.Second {
		t.Fatalf("MayDuration: %v", got)
	}
	if got := c.MayBool("AUTORP", true); got {
		t.Fatalf("MayBool: %v", got)
	}
}

func TestInvalidValueFallsBack(t *testing.T) {
	t.Setenv("FLUXGATE_TEST_RETRIES", "three")

	c := config.New().Prefix("FLUXGATE_TEST_")
	if got := c.MayInt("RETRIES", 7); got != 7 {
		t.Fatalf("invalid int should fall back to default, got %d", got)
	}
}
