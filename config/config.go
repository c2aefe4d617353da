// Package config loads and validates the ScanAI core's runtime settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Log controls the structured logging sink.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Throttle carries the Throttler's tunable thresholds (spec §4.4).
type Throttle struct {
	CriticalBuffer int           `json:"criticalBuffer"` // buffer_size promoting stage 1 -> 2, default 100
	StageOneStep   int           `json:"stageOneStep"`   // default 10
	StageTwoStep   int           `json:"stageTwoStep"`   // default 5
	GhostTimeout   time.Duration `json:"ghostTimeout"`   // default 3s
}

// DisplaySync carries Display Sync's soft cap (spec §4.5).
type DisplaySync struct {
	MaxBuffer int `json:"maxBuffer"` // default 300
}

// Consensus carries the sliding-window voting constants (spec §4.6).
type Consensus struct {
	Window           time.Duration `json:"window"`           // default 200ms
	Tick             time.Duration `json:"tick"`              // default 100ms
	PresenceFloor    float64       `json:"presenceFloor"`     // default 0.30
	StabilityFloor   float64       `json:"stabilityFloor"`    // default 0.30
	StabilityPresence float64      `json:"stabilityPresence"` // default 0.50
	SoftCarry        bool          `json:"softCarry"`         // default true, open-question toggle
	BroadcastPort    int           `json:"broadcastPort"`     // default 9090
}

// Session carries reconnection and heartbeat policy (spec §4.3).
type Session struct {
	InitialDelay    time.Duration `json:"initialDelay"`    // default 1s
	MaxDelay        time.Duration `json:"maxDelay"`        // default 30s
	MaxRetries      int           `json:"maxRetries"`      // default 10
	HeartbeatPeriod time.Duration `json:"heartbeatPeriod"` // default 25s
	ConnectTimeout  time.Duration `json:"connectTimeout"`  // default 10s
}

// Transport carries the wire/endpoint selection (spec §4.1). Only
// Endpoint reaches the live transport: session.Connect always builds it
// with the datagram scheme, 1400-byte chunk bodies and a 5s reassembly
// TTL, whatever Scheme, MaxChunkBody and ReassemblyTTL say here, and
// ReassemblySweep is not read.
type Transport struct {
	Endpoint        string        `json:"endpoint"`
	Scheme          string        `json:"scheme"` // "datagram" | "stream"
	MaxChunkBody    int           `json:"maxChunkBody"`    // default 1400
	ReassemblyTTL   time.Duration `json:"reassemblyTTL"`   // default 5s
	ReassemblySweep time.Duration `json:"reassemblySweep"` // default 1s
}

// ClassTable maps numeric class ids (as strings) to labels (spec §6.5).
type ClassTable map[string]string

// Settings is the top-level configuration tree, loaded from JSON.
type Settings struct {
	Log         Log         `json:"log"`
	Transport   Transport   `json:"transport"`
	Session     Session     `json:"session"`
	Throttle    Throttle    `json:"throttle"`
	DisplaySync DisplaySync `json:"displaySync"`
	Consensus   Consensus   `json:"consensus"`
	ClassTable  ClassTable  `json:"classTable"`
}

// GlobalCfg is the process-wide effective configuration.
var GlobalCfg *Settings

func init() {
	GlobalCfg = defaults()
	path := os.Getenv("SCANAI_CONFIG")
	if path == "" {
		return
	}
	if err := Reload(path); err != nil {
		fmt.Printf("failed to load %s: %v\n", path, err)
	}
}

func defaults() *Settings {
	return &Settings{
		Log: Log{Level: "info", Path: "logs/scanai-core.log"},
		Transport: Transport{
			Endpoint:        "udp://127.0.0.1:7070",
			Scheme:          "datagram",
			MaxChunkBody:    1400,
			ReassemblyTTL:   5 * time.Second,
			ReassemblySweep: 1 * time.Second,
		},
		Session: Session{
			InitialDelay:    1 * time.Second,
			MaxDelay:        30 * time.Second,
			MaxRetries:      10,
			HeartbeatPeriod: 25 * time.Second,
			ConnectTimeout:  10 * time.Second,
		},
		Throttle: Throttle{
			CriticalBuffer: 100,
			StageOneStep:   10,
			StageTwoStep:   5,
			GhostTimeout:   3 * time.Second,
		},
		DisplaySync: DisplaySync{MaxBuffer: 300},
		Consensus: Consensus{
			Window:            200 * time.Millisecond,
			Tick:              100 * time.Millisecond,
			PresenceFloor:     0.30,
			StabilityFloor:    0.30,
			StabilityPresence: 0.50,
			SoftCarry:         true,
			BroadcastPort:     9090,
		},
		ClassTable: defaultClassTable(),
	}
}

// Reload reads settings from path, fills defaults for zero fields, verifies
// the result, and swaps it in as GlobalCfg. Mirrors the teacher's
// load-then-verify-then-swap shape.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg := defaults()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.verify(); err != nil {
		return fmt.Errorf("verify config: %w", err)
	}
	GlobalCfg = cfg
	return nil
}

func (s *Settings) verify() error {
	if s.Transport.Endpoint == "" {
		return fmt.Errorf("empty transport endpoint")
	}
	if s.Transport.Scheme != "datagram" && s.Transport.Scheme != "stream" {
		return fmt.Errorf("invalid transport scheme %q", s.Transport.Scheme)
	}
	if s.Transport.MaxChunkBody <= 0 {
		return fmt.Errorf("invalid maxChunkBody")
	}
	if s.Throttle.CriticalBuffer <= 0 || s.Throttle.StageOneStep <= 0 || s.Throttle.StageTwoStep <= 0 {
		return fmt.Errorf("invalid throttle thresholds")
	}
	if s.DisplaySync.MaxBuffer <= 0 {
		return fmt.Errorf("invalid displaySync.maxBuffer")
	}
	if s.Consensus.Window <= 0 || s.Consensus.Tick <= 0 {
		return fmt.Errorf("invalid consensus window/tick")
	}
	if s.Session.MaxRetries <= 0 {
		return fmt.Errorf("invalid session.maxRetries")
	}
	return nil
}

func defaultClassTable() ClassTable {
	return ClassTable{
		"0": "cucur",
		"1": "lemper",
		"2": "wajik",
		"3": "kue ku",
		"4": "onde onde",
		"5": "klepon",
		"6": "putri salju",
		"7": "nastar",
		"8": "kastengel",
		"9": "kue lapis",
	}
}

// Label resolves a class id string to its label, passing unknown ids
// through unchanged so downstream components can still display them
// (spec §4.2 "unknown class ids are passed through as their raw string").
func (t ClassTable) Label(id string) string {
	if l, ok := t[id]; ok {
		return l
	}
	return id
}

// ReverseLookup finds the numeric id for a label, or false if the table
// has no entry for it (spec §4.6: synthesize an id starting at 100 in
// that case).
func (t ClassTable) ReverseLookup(label string) (string, bool) {
	for id, l := range t {
		if l == label {
			return id, true
		}
	}
	return "", false
}
