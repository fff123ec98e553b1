package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"aura-network/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir("../.."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Network.BindAddress != "127.0.0.1:7420" {
		t.Fatalf("unexpected bind address: %s", AppConfig.Network.BindAddress)
	}
	if AppConfig.LanDiscovery.Port != 47201 {
		t.Fatalf("unexpected lan port: %d", AppConfig.LanDiscovery.Port)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir("../.."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("lan")
	if !AppConfig.LanDiscovery.Enabled {
		t.Fatalf("expected lan discovery enabled")
	}
	if AppConfig.Sync.MaxConcurrent != 8 {
		t.Fatalf("expected max_concurrent 8, got %d", AppConfig.Sync.MaxConcurrent)
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("storage:\n  base_path: /tmp/aura-sandbox\nsync:\n  batch_size: 42\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Storage.BasePath != "/tmp/aura-sandbox" {
		t.Fatalf("expected sandbox base path, got %s", AppConfig.Storage.BasePath)
	}
	if AppConfig.Sync.BatchSize != 42 {
		t.Fatalf("expected batch size 42, got %d", AppConfig.Sync.BatchSize)
	}
}
