package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Lock server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the lock server.
type ServerConfig struct {
	// Lock manager settings
	Policy        string
	RecallTimeout time.Duration

	// Statistics
	StatsEnabled bool

	// Wire format of requests and events (json, gob, binary)
	Serializer string

	// Logging configuration
	LogLevel string
}

// DefaultServerConfig returns the configuration used when nothing is set.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Policy:        "greedy",
		RecallTimeout: 10 * time.Second,
		StatsEnabled:  true,
		Serializer:    "binary",
		LogLevel:      "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Lock manager settings
	addSection("Lock Manager")
	addField("Policy", c.Policy)
	addField("Recall Timeout", c.RecallTimeout.String())
	addField("Statistics", strconv.FormatBool(c.StatsEnabled))

	// RPC settings
	addSection("RPC Server")
	addField("Serializer", c.Serializer)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Simulation configuration struct
// --------------------------------------------------------------------------

// SimulationConfig describes an in-process contention run: Nodes simulated
// cluster members with Threads application threads each, contending on
// Locks distinct locks for Ops operations per thread.
type SimulationConfig struct {
	Nodes   int
	Threads int
	Locks   int
	Ops     int

	// Share of operations (0..1) that take a READ instead of a WRITE lock
	ReadRatio float64

	// Share of operations (0..1) that also wait on the monitor
	WaitRatio float64
}

// String returns a formatted string representation of the simulation config
func (c *SimulationConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Simulation")
	addField("Nodes", strconv.Itoa(c.Nodes))
	addField("Threads per Node", strconv.Itoa(c.Threads))
	addField("Locks", strconv.Itoa(c.Locks))
	addField("Operations per Thread", strconv.Itoa(c.Ops))
	addField("Read Ratio", strconv.FormatFloat(c.ReadRatio, 'f', 2, 64))
	addField("Wait Ratio", strconv.FormatFloat(c.WaitRatio, 'f', 2, 64))

	return sb.String()
}
