package main

import (
	"os"
	"time"

	"github.com/always-cache/offline-fetch/pkg/reconcile"
	withabort "github.com/always-cache/offline-fetch/pkg/with-abort"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Request RequestConfig `yaml:"request"`
}

type AgentConfig struct {
	Origin string `yaml:"origin"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	// SQLite file of the queue, "memory" for an in-memory db.
	DB string `yaml:"db"`
	// Redis address. Used for the queue instead of SQLite if set.
	Redis         string        `yaml:"redis"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	QueueTTL      time.Duration `yaml:"queueTTL"`
	// NATS server to receive background sync confirmations from.
	NATS    string `yaml:"nats"`
	Subject string `yaml:"subject"`
	// Redis channel to receive background sync confirmations from.
	RedisChannel string `yaml:"redisChannel"`
	Metrics      bool   `yaml:"metrics"`
}

type RequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// Base URL of the agent, notified over HTTP.
	Agent string `yaml:"agent"`
	// NATS server to notify instead of the agent URL.
	NATS    string `yaml:"nats"`
	Subject string `yaml:"subject"`
	// Redis address and channel to notify instead of the agent URL.
	Redis        string `yaml:"redis"`
	RedisChannel string `yaml:"redisChannel"`
	// SQLite file of the response cache, "memory" for an in-memory db.
	CacheDB  string        `yaml:"cacheDb"`
	CacheAge time.Duration `yaml:"cacheAge"`
	Store    string        `yaml:"store"`
	Token    string        `yaml:"token"`
	Mode     string        `yaml:"mode"`
}

func defaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Port:          8080,
			DB:            "queue.db",
			FlushInterval: 30 * time.Second,
			Subject:       reconcile.DefaultSubject,
		},
		Request: RequestConfig{
			Timeout: withabort.DefaultTimeout,
			CacheDB: "memory",
			Store:   "default",
			Subject: reconcile.DefaultSubject,
			Mode:    "optimistic",
		},
	}
}

// getConfig reads the config file on top of the defaults.
// An empty filename returns the defaults.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// override sets dst to value if the flag was given on the command line.
func override[T any](flags *pflag.FlagSet, name string, dst *T, value T) {
	if flags.Changed(name) {
		*dst = value
	}
}

// dbFilename maps "memory" to a shared in-memory db.
func dbFilename(db string) string {
	if db == "memory" {
		return ""
	}
	return db
}
