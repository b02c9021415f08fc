package node

import (
	"fmt"

	"github.com/ao/Serengeti-sub006/internal/config"
	"github.com/ao/Serengeti-sub006/internal/registry"
	"github.com/ao/Serengeti-sub006/internal/replica"
	"github.com/ao/Serengeti-sub006/internal/scheduler"
	"github.com/ao/Serengeti-sub006/internal/storage"
)

// FromFileConfig translates a loaded config.Config into the Config a
// Node constructor expects, isolating the storage/registry/scheduler
// packages from having to know about the TOML surface.
func FromFileConfig(c config.Config) (Config, error) {
	durability, err := parseDurability(c.Storage.Durability)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DataRoot: c.DataRoot,
		Self:     replica.NodeID(c.SelfAddr),
		Engine: storage.Config{
			MemTableSizeBytes:       int64(c.Storage.MemTableSizeMB) * 1024 * 1024,
			ImmutableQueueHighWater: c.Storage.ImmutableQueueHighWater,
			ImmutableQueueLowWater:  c.Storage.ImmutableQueueLowWater,
			BackpressureTimeout:     c.Storage.BackpressureTimeout,
			Durability:              durability,
			Compaction: storage.CompactionConfig{
				TriggerThreshold: c.Compaction.TriggerThreshold,
				MaxMergeWidth:    c.Compaction.MaxMergeWidth,
				BloomFPRate:      c.Compaction.BloomFPRate,
				Compress:         c.Compaction.Compress,
			},
		},
		IndexOrder:         c.Index.Order,
		AutoIndexThreshold: c.Index.AutoIndexThreshold,
		MaxIndexesPerTable: c.Index.MaxIndexesPerTable,
		Registry: registry.Config{
			Subnet:         c.Registry.Subnet,
			Port:           c.Registry.Port,
			ProbeInterval:  c.Registry.ProbeInterval,
			NetworkTimeout: c.Registry.NetworkTimeout,
			FailThreshold:  c.Registry.FailThreshold,
			FanOutLimit:    c.Registry.FanOutLimit,
		},
		Scheduler: scheduler.Config{
			Interval:    c.Scheduler.Interval,
			FanOutLimit: c.Scheduler.FanOutLimit,
		},
	}, nil
}

func parseDurability(mode string) (storage.DurabilityMode, error) {
	switch mode {
	case "", "sync":
		return storage.DurabilitySync, nil
	case "group":
		return storage.DurabilityGroup, nil
	case "lazy":
		return storage.DurabilityLazy, nil
	default:
		return 0, fmt.Errorf("node: unknown durability mode %q", mode)
	}
}
