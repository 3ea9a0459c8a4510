package diagnostics

import (
	"encoding/json"
	"testing"
	"time"
)

type fakeSource struct {
	state   uint32
	conns   []ConnectionInfo
	qlen    int
	updated uint64
}

func (f fakeSource) State() uint32                 { return f.state }
func (f fakeSource) Connections() []ConnectionInfo { return f.conns }
func (f fakeSource) QueueLen() int                 { return f.qlen }
func (f fakeSource) Updated() uint64               { return f.updated }

func TestCollect(t *testing.T) {
	src := fakeSource{
		state: 1,
		conns: []ConnectionInfo{
			{Handle: "abc", RemoteAddr: "127.0.0.1:1234", State: "RUNNING", Version: 8},
		},
		qlen:    3,
		updated: 42,
	}
	started := time.Now().Add(-time.Hour)
	c := NewCollector(src, started)

	bundle := c.Collect()

	if bundle.System.GoVersion == "" {
		t.Error("expected non-empty GoVersion")
	}
	if bundle.System.UptimeSeconds <= 0 {
		t.Error("expected positive uptime")
	}
	if bundle.Server.State != 1 {
		t.Errorf("State = %d, want 1", bundle.Server.State)
	}
	if bundle.Server.UpdatedCounter != 42 {
		t.Errorf("UpdatedCounter = %d, want 42", bundle.Server.UpdatedCounter)
	}
	if bundle.Server.ConnectionCount != 1 {
		t.Errorf("ConnectionCount = %d, want 1", bundle.Server.ConnectionCount)
	}
	if len(bundle.Connections) != 1 || bundle.Connections[0].Handle != "abc" {
		t.Errorf("Connections = %+v", bundle.Connections)
	}
	if bundle.EventQueue.Length != 3 || bundle.EventQueue.Capacity != QueueCapacity {
		t.Errorf("EventQueue = %+v", bundle.EventQueue)
	}
	if bundle.Runtime.NumGoroutine <= 0 {
		t.Error("expected positive goroutine count")
	}
}

func TestCollectJSON(t *testing.T) {
	c := NewCollector(fakeSource{}, time.Now())
	bundle := c.Collect()

	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("failed to marshal bundle: %v", err)
	}

	var decoded Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal bundle: %v", err)
	}
	if decoded.System.GoVersion != bundle.System.GoVersion {
		t.Error("decoded GoVersion mismatch")
	}
}

func TestCollectEmptyConnections(t *testing.T) {
	c := NewCollector(fakeSource{conns: nil}, time.Now())
	bundle := c.Collect()

	if bundle.Server.ConnectionCount != 0 {
		t.Errorf("ConnectionCount = %d, want 0", bundle.Server.ConnectionCount)
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
