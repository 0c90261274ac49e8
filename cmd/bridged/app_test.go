package main

import (
	"bytes"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	bridged "github.com/scriptbridge/bridged"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand(pslog.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), bridged.Version) {
		t.Fatalf("output %q missing version %q", out.String(), bridged.Version)
	}
}

func TestDefaultConfigYAML(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	var cfg configDefaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Socket != bridged.DefaultSocketPath() {
		t.Fatalf("socket = %q", cfg.Socket)
	}
	if cfg.ReaperInterval != bridged.DefaultReaperInterval.String() {
		t.Fatalf("reaper-interval = %q", cfg.ReaperInterval)
	}
}

func TestBindConfigDefaults(t *testing.T) {
	newRootCommand(pslog.NoopLogger())
	var cfg bridged.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.SocketPath != bridged.DefaultSocketPath() {
		t.Fatalf("socket = %q", cfg.SocketPath)
	}
	if cfg.MaxRequestBytes != bridged.DefaultMaxRequestBytes {
		t.Fatalf("max request bytes = %d", cfg.MaxRequestBytes)
	}
	if cfg.ReadTimeout != bridged.DefaultReadTimeout {
		t.Fatalf("read timeout = %s", cfg.ReadTimeout)
	}
}
