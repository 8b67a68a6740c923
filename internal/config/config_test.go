package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	d := Default()
	if d.FillPattern != 0xA5A5A5A5 {
		t.Errorf("FillPattern = 0x%x", d.FillPattern)
	}
	if d.DiscoveryPasses != 3 || d.SanityMaxTasks != 4096 {
		t.Errorf("protocol defaults = %d passes, %d max tasks", d.DiscoveryPasses, d.SanityMaxTasks)
	}
	if d.GracePeriod() != time.Second {
		t.Errorf("GracePeriod = %v", d.GracePeriod())
	}
	if err := d.Validate(); err != nil {
		t.Errorf("defaults fail validation: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	body := "fill_pattern: 0xDEADBEEF\ndiscovery_passes: 5\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	tun, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if tun.FillPattern != 0xDEADBEEF {
		t.Errorf("FillPattern = 0x%x", tun.FillPattern)
	}
	if tun.DiscoveryPasses != 5 {
		t.Errorf("DiscoveryPasses = %d", tun.DiscoveryPasses)
	}
	// Untouched fields keep their defaults.
	if tun.SanityMaxTasks != 4096 || tun.GracePeriodMS != 1000 {
		t.Errorf("defaults clobbered: %+v", tun)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	if err := os.WriteFile(path, []byte("discovery_passes: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("zero discovery_passes accepted")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
