package config

import "os"

// ConfigPath is the config file used when no path is given. CHAT_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := os.Getenv("CHAT_CONFIG"); v != "" {
		ConfigPath = v
	}
}
