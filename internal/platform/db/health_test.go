package db

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPoolStats_JSON(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		PingLatency:     "2ms",
		Healthy:         true,
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal pool stats: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal pool stats: %v", err)
	}

	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "ping_latency", "healthy"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected JSON key %q, got %s", key, raw)
		}
	}
	if decoded["healthy"] != true {
		t.Error("expected healthy to be true")
	}
	if decoded["ping_latency"] != "2ms" {
		t.Errorf("expected ping_latency 2ms, got %v", decoded["ping_latency"])
	}
}

func TestPoolStats_PingLatencyOmittedWhenEmpty(t *testing.T) {
	raw, err := json.Marshal(&PoolStats{MaxConns: 20})
	if err != nil {
		t.Fatalf("marshal pool stats: %v", err)
	}
	if strings.Contains(string(raw), "ping_latency") {
		t.Errorf("expected ping_latency to be omitted, got %s", raw)
	}
}
