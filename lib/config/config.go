// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master node configuration.
type Config struct {
	// Cluster identifies this node and the cluster it serves.
	Cluster ClusterConfig `yaml:"cluster"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Intervals configures timers and timeouts.
	Intervals IntervalsConfig `yaml:"intervals"`

	// Archive configures sync archive compression.
	Archive ArchiveConfig `yaml:"archive"`

	// Files maps configuration keys (directory prefixes relative to
	// the storage root) to per-class apply rules. Every file a worker
	// sends carries one of these keys.
	Files map[string]FileClass `yaml:"files"`
}

// ClusterConfig identifies the node within its cluster.
type ClusterConfig struct {
	// Name is the cluster name. Workers whose hello carries a
	// different name are rejected.
	Name string `yaml:"name"`

	// NodeName is this master's node name.
	NodeName string `yaml:"node_name"`

	// NodeType is "master" for this binary. Present so the health
	// snapshot can describe the node uniformly with workers.
	NodeType string `yaml:"node_type"`

	// ListenAddress is the TCP address workers connect to, for
	// example ":1516".
	ListenAddress string `yaml:"listen_address"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for managed files. Every
	// FileDescriptor path is relative to it.
	Root string `yaml:"root"`

	// Queue is the cluster queue root. Per-worker staging
	// directories and the lock directory live under it.
	Queue string `yaml:"queue"`

	// State is where runtime state is stored, including the
	// persisted integrity table snapshot.
	State string `yaml:"state"`
}

// IntervalsConfig configures timers and timeouts, in seconds.
type IntervalsConfig struct {
	// RecomputeIntegrity is how often the integrity scanner rebuilds
	// the authoritative file table.
	RecomputeIntegrity int `yaml:"recompute_integrity"`

	// ReceiveFileTimeout bounds the wait for a worker's archive
	// after a sync setup is accepted.
	ReceiveFileTimeout int `yaml:"receive_file_timeout"`

	// APIRequestTimeout bounds the wait for a distributed API
	// response, unless the caller asks for an unlimited wait.
	APIRequestTimeout int `yaml:"api_request_timeout"`

	// KeepaliveTimeout is how stale a worker's keepalive may grow
	// before the health snapshot reports it disconnected.
	KeepaliveTimeout int `yaml:"keepalive_timeout"`
}

// ArchiveConfig configures sync archive compression.
type ArchiveConfig struct {
	// Compression selects the archive codec: "zstd" (default) or
	// "lz4".
	Compression string `yaml:"compression"`
}

// FileClass describes how files under one configuration key are
// applied.
type FileClass struct {
	// Permissions is the octal mode applied to files of this class,
	// for example "0640".
	Permissions string `yaml:"permissions"`

	// MergeKind is set for classes delivered as merge bundles:
	// "agent-info" for agent status, "agent-groups" for group
	// assignments. Empty for plain files.
	MergeKind string `yaml:"merge_kind"`

	// BenignWarnings marks classes whose per-file warnings are
	// expected races (an agent deleted mid-sync) and logged at debug
	// rather than warning severity.
	BenignWarnings bool `yaml:"benign_warnings"`
}

// Mode parses the class's octal permission string. Defaults to 0640
// when unset.
func (c FileClass) Mode() (os.FileMode, error) {
	if c.Permissions == "" {
		return 0o640, nil
	}
	mode, err := strconv.ParseUint(c.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permissions %q: %w", c.Permissions, err)
	}
	return os.FileMode(mode), nil
}

// RecomputeIntegrityInterval returns the scanner interval as a Duration.
func (i IntervalsConfig) RecomputeIntegrityInterval() time.Duration {
	return time.Duration(i.RecomputeIntegrity) * time.Second
}

// ReceiveFileTimeoutDuration returns the receive timeout as a Duration.
func (i IntervalsConfig) ReceiveFileTimeoutDuration() time.Duration {
	return time.Duration(i.ReceiveFileTimeout) * time.Second
}

// APIRequestTimeoutDuration returns the DAPI timeout as a Duration.
func (i IntervalsConfig) APIRequestTimeoutDuration() time.Duration {
	return time.Duration(i.APIRequestTimeout) * time.Second
}

// KeepaliveTimeoutDuration returns the keepalive staleness bound as a
// Duration.
func (i IntervalsConfig) KeepaliveTimeoutDuration() time.Duration {
	return time.Duration(i.KeepaliveTimeout) * time.Second
}

// Default returns a Config with documented defaults filled in.
// Identity fields (cluster name, node name) have no defaults and must
// come from the file.
func Default() Config {
	return Config{
		Cluster: ClusterConfig{
			NodeType:      "master",
			ListenAddress: ":1516",
		},
		Paths: PathsConfig{
			Root:  "/var/lib/warden",
			Queue: "/var/lib/warden/queue",
			State: "/var/lib/warden/state",
		},
		Intervals: IntervalsConfig{
			RecomputeIntegrity: 300,
			ReceiveFileTimeout: 120,
			APIRequestTimeout:  60,
			KeepaliveTimeout:   120,
		},
		Archive: ArchiveConfig{
			Compression: "zstd",
		},
		Files: map[string]FileClass{
			"queue/agent-info/": {
				Permissions:    "0644",
				MergeKind:      "agent-info",
				BenignWarnings: true,
			},
			"queue/agent-groups/": {
				Permissions:    "0660",
				MergeKind:      "agent-groups",
				BenignWarnings: true,
			},
			"etc/shared/": {
				Permissions: "0660",
			},
		},
	}
}

// Load reads and validates the configuration file at path. Defaults
// are applied before the file is decoded, so the file only needs to
// state what differs.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that required fields are present and well formed.
func (c Config) Validate() error {
	if c.Cluster.Name == "" {
		return fmt.Errorf("cluster.name is required")
	}
	if c.Cluster.NodeName == "" {
		return fmt.Errorf("cluster.node_name is required")
	}
	if c.Cluster.NodeType != "master" {
		return fmt.Errorf("cluster.node_type must be %q, got %q", "master", c.Cluster.NodeType)
	}
	switch c.Archive.Compression {
	case "zstd", "lz4":
	default:
		return fmt.Errorf("archive.compression must be zstd or lz4, got %q", c.Archive.Compression)
	}
	for key, class := range c.Files {
		if _, err := class.Mode(); err != nil {
			return fmt.Errorf("files[%s]: %w", key, err)
		}
	}
	if c.Intervals.RecomputeIntegrity <= 0 {
		return fmt.Errorf("intervals.recompute_integrity must be positive")
	}
	if c.Intervals.ReceiveFileTimeout <= 0 {
		return fmt.Errorf("intervals.receive_file_timeout must be positive")
	}
	return nil
}
