package dockerlauncher

import "os"

// Config holds the defaults used to create a sandbox container when the
// caller's launcher.Request does not override them.
type Config struct {
	Image       string
	MemoryLimit int64
	NanoCPUs    int64
	PidsLimit   int64
	NetworkMode string
}

// DefaultConfig mirrors the teacher's envOrDefault/envInt64OrDefault
// config style: environment variables, no flag/viper dependency at this
// layer.
func DefaultConfig() Config {
	return Config{
		Image:       envOrDefault("AGENT_SANDBOX_IMAGE", "agentorch-bridge:latest"),
		MemoryLimit: envInt64OrDefault("AGENT_SANDBOX_MEMORY_LIMIT", 2*1024*1024*1024),
		NanoCPUs:    envInt64OrDefault("AGENT_SANDBOX_NANO_CPUS", 2_000_000_000),
		PidsLimit:   envInt64OrDefault("AGENT_SANDBOX_PIDS_LIMIT", 256),
		NetworkMode: envOrDefault("AGENT_SANDBOX_NETWORK_MODE", "bridge"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
