package config

import (
	"os"
	"strings"
)

// Environment variables that override the pipeline section.
const (
	EnvConnectionTable   = "CONNECTION_TABLE"
	EnvAssignmentTable   = "ASSIGNMENT_TABLE"
	EnvProfileTable      = "PROFILE_TABLE"
	EnvActivityTable     = "ACTIVITY_TABLE"
	EnvQueueTable        = "QUEUE_TABLE"
	EnvQueueEndpoint     = "QUEUE_ENDPOINT"
	EnvTransportEndpoint = "TRANSPORT_ENDPOINT"
	EnvStorageDSN        = "DATABASE_URL"
)

// ApplyEnv copies non-empty environment overrides into cfg. lookup is
// os.LookupEnv when nil.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	p := &cfg.Pipeline
	set(&p.ConnectionTableName, EnvConnectionTable)
	set(&p.AssignmentTableName, EnvAssignmentTable)
	set(&p.ProfileTableName, EnvProfileTable)
	set(&p.ActivityTableName, EnvActivityTable)
	set(&p.QueueTableName, EnvQueueTable)
	set(&p.QueueEndpoint, EnvQueueEndpoint)
	set(&p.TransportEndpoint, EnvTransportEndpoint)
	set(&cfg.Storage.DSN, EnvStorageDSN)
}
