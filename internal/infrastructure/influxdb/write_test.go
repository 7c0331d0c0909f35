package influxdb

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// mockWriter records points instead of sending them.
type mockWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (m *mockWriter) WritePoint(p *write.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
}

func (m *mockWriter) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

func (m *mockWriter) GetPoints() []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*write.Point(nil), m.points...)
}

func newTestClient() (*Client, *mockWriter) {
	w := &mockWriter{}
	return &Client{writeAPI: w, connected: true}, w
}

func tagsOf(p *write.Point) map[string]string {
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	return tags
}

func fieldsOf(p *write.Point) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	return fields
}

func TestWriteConnectionState(t *testing.T) {
	client, w := newTestClient()

	client.WriteConnectionState("client-1", "CONNECTED")

	points := w.GetPoints()
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if points[0].Name() != measurementConnection {
		t.Errorf("measurement = %q, want %q", points[0].Name(), measurementConnection)
	}
	tags := tagsOf(points[0])
	if tags["client_id"] != "client-1" || tags["state"] != "CONNECTED" {
		t.Errorf("tags = %v", tags)
	}
}

func TestWriteMessage(t *testing.T) {
	client, w := newTestClient()

	client.WriteMessage("sensors/kitchen/temperature", 4, 1, true)

	p := w.GetPoints()[0]
	if p.Name() != measurementMessages {
		t.Errorf("measurement = %q, want %q", p.Name(), measurementMessages)
	}
	tags := tagsOf(p)
	if tags["qos"] != "1" || tags["retained"] != "true" {
		t.Errorf("tags = %v", tags)
	}
	if _, ok := tags["topic"]; ok {
		t.Error("topic written as tag, want field")
	}
	fields := fieldsOf(p)
	if fields["topic"] != "sensors/kitchen/temperature" {
		t.Errorf("fields = %v", fields)
	}
}

func TestWritePublishResult(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantSuccess string
		wantError   bool
	}{
		{"acked", nil, "true", false},
		{"failed", errors.New("mqtt: connection lost"), "false", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, w := newTestClient()

			client.WritePublishResult("devices/lamp/set", 15*time.Millisecond, tt.err)

			p := w.GetPoints()[0]
			if got := tagsOf(p)["success"]; got != tt.wantSuccess {
				t.Errorf("success = %q, want %q", got, tt.wantSuccess)
			}
			fields := fieldsOf(p)
			if _, ok := fields["error"]; ok != tt.wantError {
				t.Errorf("error field present = %v, want %v", ok, tt.wantError)
			}
			if fields["latency_ms"] != 15.0 {
				t.Errorf("latency_ms = %v, want 15", fields["latency_ms"])
			}
		})
	}
}

func TestWriteSubackAndError(t *testing.T) {
	client, w := newTestClient()

	client.WriteSuback("private/#", false)
	client.WriteError("subscribe", "private/#", "rejected")

	points := w.GetPoints()
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	if got := tagsOf(points[0])["granted"]; got != "false" {
		t.Errorf("granted = %q, want false", got)
	}
	if points[1].Name() != measurementErrors || tagsOf(points[1])["kind"] != "subscribe" {
		t.Errorf("error point = %s %v", points[1].Name(), tagsOf(points[1]))
	}
}

func TestWrite_Disconnected(t *testing.T) {
	client, w := newTestClient()

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	client.WriteConnectionState("client-1", "CLOSED")
	client.WriteMessage("sensors/a", 3, 1, false)

	if got := len(w.GetPoints()); got != 0 {
		t.Errorf("points after Close = %d, want 0", got)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1 (on Close)", w.flushes)
	}

	// Flush after Close is a no-op.
	client.Flush()
	if w.flushes != 1 {
		t.Errorf("flushes after Flush = %d, want 1", w.flushes)
	}
}

func TestHandleWriteErrors_WrapsErrors(t *testing.T) {
	client, _ := newTestClient()

	got := make(chan error, 1)
	client.SetOnError(func(err error) { got <- err })

	errorsCh := make(chan error, 1)
	errorsCh <- errors.New("bucket not found")
	close(errorsCh)

	client.handleWriteErrors(errorsCh)

	if err := <-got; !errors.Is(err, ErrWriteFailed) {
		t.Errorf("callback error = %v, want ErrWriteFailed", err)
	}
}
