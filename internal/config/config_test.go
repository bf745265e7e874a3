package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/google/go-cmp/cmp"

	"github.com/jgarman/fatstage/internal/stage"
)

func TestLoadMissingReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load: unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fatstage.yaml")
	const manifest = `
image:
  path: build/os.bin
  size: 16MB
  label: MYOS
jobs:
  - source: ./programs/blank/blank.elf
    dest: blank
  - source: ./programs/shell/shell.elf
    dest: bin/shell
run:
  keep_going: true
`
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	want := Default()
	want.Image.Path = "build/os.bin"
	want.Image.Size = 16 * datasize.MB
	want.Image.Label = "MYOS"
	want.Jobs = []stage.Job{
		{Source: "./programs/blank/blank.elf", Dest: "blank"},
		{Source: "./programs/shell/shell.elf", Dest: "bin/shell"},
	}
	want.Run.KeepGoing = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load: unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte(`{"image": {"size": "lots"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load: expected error for invalid size")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			cfg := Default()
			cfg.Image.ReadOnly = true
			cfg.Jobs = []stage.Job{{Source: "a.bin", Dest: "a"}}
			cfg.Run.Verify = true
			if err := cfg.Save(path); err != nil {
				t.Fatal(err)
			}

			got, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(cfg, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvImage, "/tmp/disk.img")
	t.Setenv(EnvSize, "64MB")
	t.Setenv(EnvLabel, "BOOT")
	t.Setenv(EnvBackend, "loopback")
	t.Setenv(EnvListen, ":9090")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}

	want := Default()
	want.Image.Path = "/tmp/disk.img"
	want.Image.Size = 64 * datasize.MB
	want.Image.Label = "BOOT"
	want.Image.Backend = "loopback"
	want.Server.Listen = ":9090"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ApplyEnv: unexpected config (-want +got):\n%s", diff)
	}
}

func TestApplyEnvInvalidSize(t *testing.T) {
	t.Setenv(EnvSize, "huge")
	if err := Default().ApplyEnv(); err == nil {
		t.Error("ApplyEnv: expected error for invalid size")
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("LoadEnvFile(missing) = %v, want nil", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FATSTAGE_LABEL=FROMFILE\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Register with t.Setenv so the variable is restored after the test.
	t.Setenv(EnvLabel, "")
	os.Unsetenv(EnvLabel)

	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv(EnvLabel); got != "FROMFILE" {
		t.Errorf("%s = %q, want FROMFILE", EnvLabel, got)
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "no path", mutate: func(c *Config) { c.Image.Path = "" }, wantErr: true},
		{name: "long label", mutate: func(c *Config) { c.Image.Label = "TWELVECHARSX" }, wantErr: true},
		{name: "tiny image", mutate: func(c *Config) { c.Image.Size = 512 }, wantErr: true},
		{name: "tiny existing image", mutate: func(c *Config) {
			c.Image.Size = 512
			c.Image.AutoCreate = false
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
