package main

import (
	"bytes"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	sArg   string
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunBuild()                    { m.called["RunBuild"] = true }
func (m *mockApp) RunMatch(s string)            { m.called["RunMatch"] = true; m.sArg = s }
func (m *mockApp) RunCoverage(s string)         { m.called["RunCoverage"] = true; m.sArg = s }
func (m *mockApp) RunTexture(s string)          { m.called["RunTexture"] = true; m.sArg = s }
func (m *mockApp) RunService()                  { m.called["RunService"] = true }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		expectedArg    string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Build",
			args:           []string{"--build", "--data-dir", "/tmp/models"},
			expectedCalled: "RunBuild",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.DataDir != "/tmp/models" {
					t.Errorf("expected DataDir /tmp/models, got %s", opts.DataDir)
				}
				if !opts.BuildOnly {
					t.Error("expected BuildOnly true")
				}
			},
		},
		{
			name:           "Match",
			args:           []string{"--match", "site.geojson", "--site", "siteA", "--output", "report.svg"},
			expectedCalled: "RunMatch",
			expectedArg:    "site.geojson",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Site != "siteA" {
					t.Errorf("expected Site siteA, got %s", opts.Site)
				}
				if opts.OutputFile != "report.svg" {
					t.Errorf("expected OutputFile report.svg, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Coverage",
			args:           []string{"--coverage", "BLD042", "--lod", "2", "--points", "250k"},
			expectedCalled: "RunCoverage",
			expectedArg:    "BLD042",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.LOD != 2 {
					t.Errorf("expected LOD 2, got %d", opts.LOD)
				}
				if opts.PointLimit != "250k" {
					t.Errorf("expected PointLimit 250k, got %s", opts.PointLimit)
				}
			},
		},
		{
			name:           "Texture",
			args:           []string{"--texture", "BLD042", "--method", "smart", "--image-size", "256"},
			expectedCalled: "RunTexture",
			expectedArg:    "BLD042",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Method != "smart" {
					t.Errorf("expected Method smart, got %s", opts.Method)
				}
				if opts.ImageSize != 256 {
					t.Errorf("expected ImageSize 256, got %d", opts.ImageSize)
				}
			},
		},
		{
			name:           "Serve",
			args:           []string{"--serve", "--http-port", "9090", "--config", "svc.yaml"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.ServeMode {
					t.Error("expected ServeMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.ConfigFile != "svc.yaml" {
					t.Errorf("expected ConfigFile svc.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "ModelDir",
			args:           []string{"--build", "--model-dir", "/srv/models", "--alignment-cache", "align.json"},
			expectedCalled: "RunBuild",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ModelDir != "/srv/models" {
					t.Errorf("expected ModelDir /srv/models, got %s", opts.ModelDir)
				}
				if opts.AlignmentCache != "align.json" {
					t.Errorf("expected AlignmentCache align.json, got %s", opts.AlignmentCache)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if tt.expectedArg != "" && app.sArg != tt.expectedArg {
				t.Errorf("expected arg %s, got %s", tt.expectedArg, app.sArg)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of texmesh") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "texmesh version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "texmesh service starting...") {
		t.Errorf("expected output to contain service starting message, got: %s", out.String())
	}

	for method := range app.called {
		t.Errorf("expected no app method calls, got %s", method)
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
