package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/octl/hostftl/device"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ftl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

const validYAML = `
identity:
  vendor: sim
  model: hostftl-sim
  serial: "0001"
  rsp: 1
  channels:
    - queue_size: 32
      gran_read: 4096
      gran_write: 4096
      gran_erase: 16384
      laddr_begin: 0
      laddr_end: 255
    - queue_size: 32
      gran_read: 4096
      gran_write: 4096
      gran_erase: 16384
      laddr_begin: 0
      laddr_end: 255
ftl:
  lun_begin: 0
  lun_end: 2
  nr_pages: 4096
  gc_tick_interval: 10ms
  inflight_partitions: 16
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Identity.Chnls) != 2 {
		t.Fatalf("got %d channels, want 2", len(cfg.Identity.Chnls))
	}
	if cfg.FTL.NrPages != 4096 {
		t.Fatalf("NrPages = %d, want 4096", cfg.FTL.NrPages)
	}
	if cfg.FTL.GCTickInterval.String() != "10ms" {
		t.Fatalf("GCTickInterval = %v, want 10ms", cfg.FTL.GCTickInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected an error loading a nonexistent file")
	}
}

func TestValidateRejectsNoChannels(t *testing.T) {
	path := writeConfig(t, `
identity:
  channels: []
ftl:
  lun_begin: 0
  lun_end: 1
  nr_pages: 64
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection of a config with no channels")
	}
}

func TestValidateRejectsInvertedLunRange(t *testing.T) {
	path := writeConfig(t, `
identity:
  channels:
    - queue_size: 1
      gran_read: 4096
      gran_write: 4096
      gran_erase: 16384
      laddr_begin: 0
      laddr_end: 255
ftl:
  lun_begin: 1
  lun_end: 1
  nr_pages: 64
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection when lun_end <= lun_begin")
	}
}

func TestValidateRejectsLunEndBeyondChannels(t *testing.T) {
	path := writeConfig(t, `
identity:
  channels:
    - queue_size: 1
      gran_read: 4096
      gran_write: 4096
      gran_erase: 16384
      laddr_begin: 0
      laddr_end: 255
ftl:
  lun_begin: 0
  lun_end: 2
  nr_pages: 64
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection when lun_end exceeds configured channel count")
	}
}

func TestValidateRejectsNonPositiveNrPages(t *testing.T) {
	path := writeConfig(t, `
identity:
  channels:
    - queue_size: 1
      gran_read: 4096
      gran_write: 4096
      gran_erase: 16384
      laddr_begin: 0
      laddr_end: 255
ftl:
  lun_begin: 0
  lun_end: 1
  nr_pages: 0
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection of nr_pages <= 0")
	}
}

func TestDeviceIdentityConvertsChannels(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	id := cfg.DeviceIdentity()
	if id.Vendor != "sim" || id.Serial != "0001" {
		t.Fatalf("DeviceIdentity() vendor/serial = %q/%q, want sim/0001", id.Vendor, id.Serial)
	}
	if len(id.Chnls) != len(cfg.Identity.Chnls) {
		t.Fatalf("DeviceIdentity() produced %d channels, want %d", len(id.Chnls), len(cfg.Identity.Chnls))
	}
	if id.Chnls[0].GranErase != 16384 {
		t.Fatalf("Chnls[0].GranErase = %d, want 16384", id.Chnls[0].GranErase)
	}
}

func TestSupportsDeviceL2P(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.SupportsDeviceL2P() {
		t.Fatalf("SupportsDeviceL2P() = false, want true for rsp=1 (RSPL2P bit set)")
	}

	cfg.Identity.RSP = 0
	if cfg.SupportsDeviceL2P() {
		t.Fatalf("SupportsDeviceL2P() = true, want false once rsp clears the l2p bit")
	}
	if cfg.DeviceIdentity().RSP&device.RSPL2P != 0 {
		t.Fatalf("DeviceIdentity() should carry rsp through unchanged")
	}
}
