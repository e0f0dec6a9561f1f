package config

import (
	"os"
	"time"
)

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":9090"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8090"
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 << 20
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Entries == 0 {
		c.Log.Entries = 50
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = os.TempDir()
	}
	if c.Transform.MaxInFlight == 0 {
		c.Transform.MaxInFlight = 16
	}
	if c.Probe.TargetFilename == "" && c.Probe.SourceFilename != "" {
		c.Probe.TargetFilename = "probe.out"
	}
	if c.Queue.Enabled {
		if c.Queue.GroupID == "" {
			c.Queue.GroupID = "tengine"
		}
		if c.Queue.Version == "" {
			c.Queue.Version = "2.8.0"
		}
		if c.Queue.StartFrom == "" {
			c.Queue.StartFrom = "newest"
		}
	}
	if c.FileStore.Region == "" {
		c.FileStore.Region = "us-east-1"
	}
}
