package plugin

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePlugin(t *testing.T, root, dir, manifest, script string) string {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if script != "" {
		if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return pluginDir
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name      string
		setupFn   func(t *testing.T) string
		wantCount int
		wantErr   bool
		checkFn   func(t *testing.T, plugins []*Plugin)
	}{
		{
			name: "valid plugin discovered",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "csv", `name: csv
version: 1.0.0
protocol: 1
entrypoint: run.sh
timeout: 30s
output_schema:
  id: integer
  name: string
`, "#!/bin/sh\necho ok\n")
				return dir
			},
			wantCount: 1,
			checkFn: func(t *testing.T, plugins []*Plugin) {
				p := plugins[0]
				if p.Name != "csv" || p.Version != "1.0.0" {
					t.Fatalf("unexpected plugin %+v", p)
				}
				if p.Timeout.Seconds() != 30 {
					t.Errorf("timeout = %v, want 30s", p.Timeout)
				}
				if len(p.ContentHash) != 64 {
					t.Errorf("content hash %q is not a hex BLAKE3 digest", p.ContentHash)
				}
				var schema map[string]any
				if err := json.Unmarshal(p.OutputSchema, &schema); err != nil {
					t.Fatalf("output schema: %v", err)
				}
				if schema["type"] != "object" {
					t.Errorf("compact schema not expanded: %s", p.OutputSchema)
				}
			},
		},
		{
			name: "multiple valid plugins sorted by name",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				for _, name := range []string{"zeta", "alpha"} {
					writePlugin(t, dir, name, "name: "+name+"\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\n", "#!/bin/sh\n")
				}
				return dir
			},
			wantCount: 2,
			checkFn: func(t *testing.T, plugins []*Plugin) {
				if plugins[0].Name != "alpha" || plugins[1].Name != "zeta" {
					t.Errorf("order = %s, %s", plugins[0].Name, plugins[1].Name)
				}
			},
		},
		{
			name: "directory without manifest skipped",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				if err := os.Mkdir(filepath.Join(dir, "no-manifest"), 0o755); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			wantCount: 0,
		},
		{
			name: "unsupported protocol skipped",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "bad", "name: bad\nversion: 1.0.0\nprotocol: 99\nentrypoint: run.sh\n", "#!/bin/sh\n")
				return dir
			},
			wantCount: 0,
		},
		{
			name: "non-executable entrypoint skipped",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				pluginDir := writePlugin(t, dir, "non-exec", "name: non-exec\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\n", "")
				if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\n"), 0o644); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			wantCount: 0,
		},
		{
			name: "path traversal rejected",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "escape", "name: escape\nversion: 1.0.0\nprotocol: 1\nentrypoint: ../run.sh\n", "")
				return dir
			},
			wantCount: 0,
		},
		{
			name: "invalid output schema skipped",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "schema", `name: schema
version: 1.0.0
protocol: 1
entrypoint: run.sh
output_schema:
  type: 12
`, "#!/bin/sh\n")
				return dir
			},
			wantCount: 0,
		},
		{
			name: "duplicate names keep first",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "a", "name: dup\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\n", "#!/bin/sh\n")
				writePlugin(t, dir, "b", "name: dup\nversion: 2.0.0\nprotocol: 1\nentrypoint: run.sh\n", "#!/bin/sh\n")
				return dir
			},
			wantCount: 1,
			checkFn: func(t *testing.T, plugins []*Plugin) {
				if plugins[0].Version != "1.0.0" {
					t.Errorf("kept version %s, want first discovered 1.0.0", plugins[0].Version)
				}
			},
		},
		{
			name: "missing root errors",
			setupFn: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := tt.setupFn(t)
			plugins, err := Discover([]string{root}, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Discover() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(plugins) != tt.wantCount {
				t.Fatalf("got %d plugins, want %d", len(plugins), tt.wantCount)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, plugins)
			}
		})
	}
}

func TestLoadManifestRejectsUnknownFields(t *testing.T) {
	_, err := LoadManifest([]byte("name: x\nversion: 1\nprotocol: 1\nentrypoint: run\ncommands: [poll]\n"))
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("err = %v, want ErrInvalidManifest", err)
	}
}

func TestHashFileAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(path, []byte("one"), 0o755); err != nil {
		t.Fatal(err)
	}
	h1, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyHash(path, h1); err != nil {
		t.Fatalf("VerifyHash on unchanged file: %v", err)
	}

	if err := os.WriteFile(path, []byte("two"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := VerifyHash(path, h1); err == nil {
		t.Fatal("expected hash mismatch after rewrite")
	}
}

func TestWithin(t *testing.T) {
	cases := []struct {
		path, dir string
		want      bool
	}{
		{"/p/ledger/run", "/p/ledger", true},
		{"/p/ledger/bin/run", "/p", true},
		{"/p/ledger", "/p/ledger", false},
		{"/p/ledger-evil/run", "/p/ledger", false},
		{"/p/..run", "/p", true},
		{"/other/run", "/p", false},
	}
	for _, c := range cases {
		if got := within(c.path, c.dir); got != c.want {
			t.Errorf("within(%q, %q) = %v, want %v", c.path, c.dir, got, c.want)
		}
	}
}

func TestDiscoverSkipsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "run.sh")
	if err := os.WriteFile(outside, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	writePlugin(t, root, "escape", "name: escape\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\n", "")
	if err := os.Symlink(outside, filepath.Join(root, "escape", "run.sh")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	plugins, err := Discover([]string{root}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plugins) != 0 {
		t.Fatalf("escaping entrypoint was loaded: %+v", plugins[0])
	}
}
