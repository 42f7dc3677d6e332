package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crimson-sun/tributary/internal/config"
	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/output/multi"
	"github.com/crimson-sun/tributary/internal/output/stdout"
)

func TestRunWindowFlags(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "default interval", args: nil},
		{name: "explicit interval", args: []string{"--interval", "15"}},
		{name: "backfill", args: []string{"--start", "2024-01-01T00:00:00Z", "--end", "2024-01-02T00:00:00Z"}},
		{name: "zero interval", args: []string{"--interval", "0"}, wantErr: true},
		{name: "start only", args: []string{"--start", "2024-01-01T00:00:00Z"}, wantErr: true},
		{name: "reversed", args: []string{"--start", "2024-01-02T00:00:00Z", "--end", "2024-01-01T00:00:00Z"}, wantErr: true},
		{name: "unparseable", args: []string{"--start", "monday", "--end", "tuesday"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := runCmd()
			if err := cmd.ParseFlags(tc.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}
			p, err := runWindow(cmd)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Interval == 0 && p.Start.IsZero() {
				t.Fatalf("empty window params %+v", p)
			}
		})
	}
}

func TestNewSourcesSkipsDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Sources["postman"] = config.SourceConfig{Disabled: true}
	cfg.Sources["jira"] = config.SourceConfig{URL: "https://example.atlassian.net", Dataset: "jira.custom"}

	sources, err := newSources(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, s := range sources {
		names = append(names, s.Name)
		if s.Name == "jira" && (s.Dataset != "jira.custom" || s.Config.Endpoint != "https://example.atlassian.net") {
			t.Fatalf("unexpected jira source %+v", s)
		}
	}
	if strings.Join(names, ",") != "atlassian,jira,zendesk" {
		t.Fatalf("unexpected sources %v", names)
	}
}

func TestNewSourcesRejectsUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Sources["github"] = config.SourceConfig{}

	if _, err := newSources(cfg); err == nil {
		t.Fatal("expected error for an unregistered provider")
	}
}

func TestNewOutputMirrors(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Kind = "stdout"

	a := &app{cfg: cfg, logger: logging.Discard()}
	out, err := a.newOutput()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out.(*stdout.Output); !ok {
		t.Fatalf("expected a bare stdout output, got %T", out)
	}

	a.cfg.Output.MirrorFile = filepath.Join(t.TempDir(), "mirror.jsonl")
	out, err = a.newOutput()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer out.Close()
	if _, ok := out.(*multi.Multi); !ok {
		t.Fatalf("expected a fan-out output with a mirror, got %T", out)
	}
}

func TestNewOutputElasticsearchNeedsClient(t *testing.T) {
	a := &app{cfg: config.Default(), logger: logging.Discard()}
	if _, err := a.newOutput(); err == nil {
		t.Fatal("expected error without a cluster client")
	}
}

func TestRunStdoutEndToEndUnknownSource(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := runCmd()
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("log-level", "", "")
	cmd.SetArgs([]string{"nosuch", "--output", "stdout"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetContext(context.Background())

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown source") {
		t.Fatalf("expected unknown source error, got %v", err)
	}
}
