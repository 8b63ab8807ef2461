// Package timeouts provides centralized deadlines for store and engine work.
//
// Every unit of reward work runs under one of these deadlines. Values are set
// once at startup from configuration with Configure; until then the defaults
// apply.
//
// Guidelines:
//   - Ping: health checks
//   - Read: single-document lookups and short lists
//   - Team: a full team resolution (one query per level)
//   - Walk: one distribute or evaluate call, including retries
//   - Sweep: a recheck sweep over the users collection
package timeouts

import (
	"sync"
	"time"
)

// Default values, used when Configure has not been called.
const (
	DefaultPing  = 2 * time.Second
	DefaultRead  = 5 * time.Second
	DefaultTeam  = 15 * time.Second
	DefaultWalk  = 30 * time.Second
	DefaultSweep = 5 * time.Minute
)

var mu sync.RWMutex

var (
	ping  = DefaultPing
	read  = DefaultRead
	team  = DefaultTeam
	walk  = DefaultWalk
	sweep = DefaultSweep
)

// Ping returns the timeout for health checks.
func Ping() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return ping
}

// Read returns the timeout for single-document reads.
func Read() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return read
}

// Team returns the timeout for resolving a team snapshot.
func Team() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return team
}

// Walk returns the deadline for a single distribute or evaluate call.
func Walk() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return walk
}

// Sweep returns the timeout for one recheck sweep.
func Sweep() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return sweep
}

// Config holds timeout values. Zero values are ignored.
type Config struct {
	Ping  time.Duration
	Read  time.Duration
	Team  time.Duration
	Walk  time.Duration
	Sweep time.Duration
}

// Configure overrides the non-zero values in cfg. Call it during startup
// before workers are started.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if cfg.Ping > 0 {
		ping = cfg.Ping
	}
	if cfg.Read > 0 {
		read = cfg.Read
	}
	if cfg.Team > 0 {
		team = cfg.Team
	}
	if cfg.Walk > 0 {
		walk = cfg.Walk
	}
	if cfg.Sweep > 0 {
		sweep = cfg.Sweep
	}
}

// Reset restores the defaults. Useful for testing.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	ping = DefaultPing
	read = DefaultRead
	team = DefaultTeam
	walk = DefaultWalk
	sweep = DefaultSweep
}

// Current returns the active configuration, for startup logging.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return Config{Ping: ping, Read: read, Team: team, Walk: walk, Sweep: sweep}
}
