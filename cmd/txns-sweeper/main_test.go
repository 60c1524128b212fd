package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/txns/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestSweeperOnceAgainstMemoryStore(t *testing.T) {
	_, _, err := executeRootCommand(t, "--store", "memory", "--once")
	if err != nil {
		t.Fatalf("single cycle failed: %v", err)
	}
}

func TestParseCollection(t *testing.T) {
	t.Parallel()
	col, err := parseCollection("app.tenants.orders")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if col.Bucket != "app" || col.Scope != "tenants" || col.Collection != "orders" {
		t.Fatalf("unexpected collection %+v", col)
	}
	if _, err := parseCollection("not-a-collection"); err == nil {
		t.Fatal("expected error for malformed collection path")
	}
}

func TestConfigGenPrintsDefaults(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	for _, want := range []string{"store: memory", "metadata-collection: default._default._default"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("generated config missing %q:\n%s", want, stdout)
		}
	}
}

func TestUnknownStoreRejected(t *testing.T) {
	_, _, err := executeRootCommand(t, "--store", "carrier-pigeon", "--once")
	if err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}

func TestEnvironmentConfiguresStore(t *testing.T) {
	t.Setenv("TXNS_STORE", "carrier-pigeon")
	if _, _, err := executeRootCommand(t, "--once"); err == nil {
		t.Fatal("expected TXNS_STORE to be honored")
	}
	// An explicit flag outranks the environment.
	if _, _, err := executeRootCommand(t, "--store", "memory", "--once"); err != nil {
		t.Fatalf("flag must override environment: %v", err)
	}
}
