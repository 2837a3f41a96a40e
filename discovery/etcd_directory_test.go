package discovery

import (
	"testing"
	"time"
)

// TestRegisterAndDiscover is an integration test: it requires a live etcd
// instance at localhost:2379.
func TestRegisterAndDiscover(t *testing.T) {
	dir, err := NewEtcdDirectory([]string{"localhost:2379"})
	if err != nil {
		t.Fatal(err)
	}

	inst1 := Instance{Endpoint: "tcpromp://127.0.0.1:9001", Weight: 10, Version: "1.0"}
	inst2 := Instance{Endpoint: "tcpromp://127.0.0.1:9002", Weight: 5, Version: "1.0"}

	if err := dir.Register("greeter", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register("greeter", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := dir.Discover("greeter")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}

	if err := dir.Deregister("greeter", inst1.Endpoint); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = dir.Discover("greeter")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Endpoint != inst2.Endpoint {
		t.Fatalf("expected only %s to remain, got %v", inst2.Endpoint, instances)
	}

	dir.Deregister("greeter", inst2.Endpoint)
}
