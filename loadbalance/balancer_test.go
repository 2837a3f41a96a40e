package loadbalance

import (
	"fmt"
	"testing"

	"github.com/cout/romp/discovery"
)

var testInstances = []discovery.Instance{
	{Endpoint: "tcpromp://127.0.0.1:8001", Weight: 10, Version: "1.0"},
	{Endpoint: "tcpromp://127.0.0.1:8002", Weight: 5, Version: "1.0"},
	{Endpoint: "tcpromp://127.0.0.1:8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Endpoint
	}

	inst, _ := b.Pick(testInstances)
	if inst.Endpoint != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Endpoint)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]discovery.Instance{})
	if err == nil {
		t.Fatal("expect error for empty instances")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Endpoint]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts["tcpromp://127.0.0.1:8001"]) / float64(counts["tcpromp://127.0.0.1:8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 8001/8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	inst1, _ := b.Pick("user-123")
	inst2, _ := b.Pick("user-123")
	if inst1.Endpoint != inst2.Endpoint {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Endpoint, inst2.Endpoint)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[inst.Endpoint] = true
	}

	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashEmpty(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Pick("anything"); err == nil {
		t.Fatal("expect error for empty ring")
	}
}
