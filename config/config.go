// Package config loads a YAML device/FTL descriptor into the types the
// block manager and FTL need to attach, using gopkg.in/yaml.v3 the way
// the retrieved corpus's own YAML-driven fixtures do.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octl/hostftl/device"
)

// Chnl mirrors device.Chnl in YAML-friendly field names.
type Chnl struct {
	QueueSize  int    `yaml:"queue_size"`
	GranRead   int    `yaml:"gran_read"`
	GranWrite  int    `yaml:"gran_write"`
	GranErase  int    `yaml:"gran_erase"`
	LaddrBegin uint64 `yaml:"laddr_begin"`
	LaddrEnd   uint64 `yaml:"laddr_end"`
}

// Identity mirrors device.Identity in YAML-friendly field names.
type Identity struct {
	Vendor string `yaml:"vendor"`
	Model  string `yaml:"model"`
	Serial string `yaml:"serial"`
	RSP    uint32 `yaml:"rsp"`
	Chnls  []Chnl `yaml:"channels"`
}

// FTLTuning holds the tuning knobs a tenant FTL instance needs beyond
// raw geometry: which LUN range it owns, how aggressively it ticks GC,
// and how many inflight-range partitions to use.
type FTLTuning struct {
	LunBegin           int           `yaml:"lun_begin"`
	LunEnd             int           `yaml:"lun_end"` // exclusive
	NrPages            int64         `yaml:"nr_pages"`
	GCTickInterval     time.Duration `yaml:"gc_tick_interval"`
	InflightPartitions int           `yaml:"inflight_partitions"`
}

// Config is the top-level YAML document: device identity/geometry plus
// FTL tuning.
type Config struct {
	Identity Identity  `yaml:"identity"`
	FTL      FTLTuning `yaml:"ftl"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if len(c.Identity.Chnls) == 0 {
		return fmt.Errorf("config: no channels configured")
	}
	if c.FTL.LunEnd <= c.FTL.LunBegin {
		return fmt.Errorf("config: ftl.lun_end must be greater than ftl.lun_begin")
	}
	if c.FTL.LunEnd > len(c.Identity.Chnls) {
		return fmt.Errorf("config: ftl.lun_end exceeds configured channel count")
	}
	if c.FTL.NrPages <= 0 {
		return fmt.Errorf("config: ftl.nr_pages must be positive")
	}
	return nil
}

// DeviceIdentity converts the YAML identity into device.Identity.
func (c *Config) DeviceIdentity() device.Identity {
	id := device.Identity{
		Vendor: c.Identity.Vendor,
		Model:  c.Identity.Model,
		Serial: c.Identity.Serial,
		RSP:    c.Identity.RSP,
		Chnls:  make([]device.Chnl, len(c.Identity.Chnls)),
	}
	for i, ch := range c.Identity.Chnls {
		id.Chnls[i] = device.Chnl{
			QueueSize:  ch.QueueSize,
			GranRead:   ch.GranRead,
			GranWrite:  ch.GranWrite,
			GranErase:  ch.GranErase,
			LaddrBegin: ch.LaddrBegin,
			LaddrEnd:   ch.LaddrEnd,
		}
	}
	return id
}

// SupportsDeviceL2P reports whether the configured device claims it can
// report its own L2P table — the same bit test blockmgr.Manager.Attach
// enforces, exposed here for preflight checks that only have a Config.
func (c *Config) SupportsDeviceL2P() bool {
	return c.Identity.RSP&device.RSPL2P != 0
}
