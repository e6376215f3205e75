package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Flags(t *testing.T) {
	cfg, err := parseConfig([]string{
		"-id", "node2",
		"-port", "4802",
		"-http", ":8082",
		"-peers", "node1:4801,node3=10.0.0.3:4803",
		"-nodes", "node1:8081,node2:8082",
		"-advertise", "10.0.0.9",
		"-probe", "250ms",
		"-log-format", "json",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "node2", cfg.NodeID)
	assert.Equal(t, 4802, cfg.TransportPort)
	assert.Equal(t, ":8082", cfg.HTTPAddress)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeInterval)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, map[string]string{"node1": "10.0.0.9:4801", "node3": "10.0.0.3:4803"}, cfg.PeerAddresses())
	assert.Equal(t, map[string]string{"node1": "10.0.0.9:8081", "node2": "10.0.0.9:8082"}, cfg.NodeAddresses())
	// defaults survive
	assert.Equal(t, "lobby", cfg.Group)
}

func TestParseConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lobby.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"node_id": "node1",
		"group": "alcatraz",
		"nodes": "node1:8081,node2:8082",
		"log_level": "debug"
	}`), 0o600))

	cfg, err := parseConfig([]string{"-config", path, "-id", "node2"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "node2", cfg.NodeID)
	assert.Equal(t, "alcatraz", cfg.Group)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown_flag", []string{"-nope"}},
		{"missing_id", []string{"-nodes", "node1:8081"}},
		{"id_not_in_table", []string{"-id", "node3", "-nodes", "node1:8081"}},
		{"bad_table", []string{"-id", "node1", "-nodes", "node1"}},
		{"missing_file", []string{"-config", "/nonexistent/lobby.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig(tt.args, io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, uint(0), seconds(0))
	assert.Equal(t, uint(1), seconds(200*time.Millisecond))
	assert.Equal(t, uint(5), seconds(5*time.Second))
	assert.Equal(t, uint(6), seconds(5*time.Second+time.Millisecond))
}
