package main

import (
	"testing"

	"deepresearch/internal/config"
)

func TestDefaultConfigLoads(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Limits.QueryChars != 400 {
		t.Fatalf("expected default query ceiling 400, got %d", cfg.Limits.QueryChars)
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	if cmd.Flags().Lookup("config") == nil {
		t.Fatal("expected --config flag")
	}
}
