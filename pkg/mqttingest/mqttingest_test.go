package mqttingest

import (
	"testing"

	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

func newTestClient() (*Client, *nodestore.Store, *eventbus.Bus) {
	store := nodestore.New()
	bus := eventbus.New()
	c := New(DefaultConfig(), store, bus, logx.New("error"))
	return c, store, bus
}

func TestHandlePositionStoresNode(t *testing.T) {
	c, store, _ := newTestClient()
	c.handlePosition("!a1b2c3d4", map[string]interface{}{
		"latitude_i":  450000000.0,
		"longitude_i": -1220000000.0,
		"altitude":    12.0,
	})

	n := store.Get("!a1b2c3d4")
	if n == nil {
		t.Fatal("expected node to be stored")
	}
	if *n.Latitude != 45.0 || *n.Longitude != -122.0 {
		t.Errorf("unexpected coordinates: lat=%v lon=%v", *n.Latitude, *n.Longitude)
	}
}

func TestHandlePositionIgnoresZeroCoordinates(t *testing.T) {
	c, store, _ := newTestClient()
	c.handlePosition("!zero", map[string]interface{}{
		"latitude_i":  0.0,
		"longitude_i": 0.0,
	})
	if store.Get("!zero") != nil {
		t.Errorf("expected zero lat/lon (unset sentinel) to be ignored")
	}
}

func TestHandleTelemetryMergesKnownKeysOnly(t *testing.T) {
	c, store, _ := newTestClient()
	c.store.UpdatePosition("!telem", 1, 1, nil, 0)
	c.handleTelemetry("!telem", map[string]interface{}{
		"battery":       80.0,
		"unknown_field": "ignored",
	})

	n := store.Get("!telem")
	if n.Extra["battery"] != 80.0 {
		t.Errorf("expected battery to be recorded")
	}
	if _, ok := n.Extra["unknown_field"]; ok {
		t.Errorf("expected unrecognized telemetry key to be dropped")
	}
}

func TestHandleNeighborInfoBuildsLinks(t *testing.T) {
	c, store, _ := newTestClient()
	c.handleNeighborInfo("!src", map[string]interface{}{
		"neighbors": []interface{}{
			map[string]interface{}{"node_id": "!dst", "snr": 5.0},
		},
	})

	links := store.GetTopologyLinks()
	if len(links) != 1 || links[0].Target != "!dst" {
		t.Fatalf("expected 1 link to !dst, got %+v", links)
	}
}

func TestHandlePositionPublishesEvent(t *testing.T) {
	c, _, bus := newTestClient()
	var received eventbus.Event
	bus.Subscribe(eventbus.NodePosition, func(e eventbus.Event) { received = e })

	c.handlePosition("!evt", map[string]interface{}{
		"latitude_i":  100000000.0,
		"longitude_i": 200000000.0,
	})

	if received.NodeID != "!evt" {
		t.Errorf("expected NODE_POSITION event for !evt, got %+v", received)
	}
}

func TestSenderIDHandlesStringAndNumeric(t *testing.T) {
	if got := senderID(jsonEnvelope{Sender: "!abc123"}); got != "!abc123" {
		t.Errorf("expected string sender passthrough, got %q", got)
	}
	if got := senderID(jsonEnvelope{From: float64(0xdeadbeef)}); got != "!deadbeef" {
		t.Errorf("expected numeric from-id formatted as hex, got %q", got)
	}
	if got := senderID(jsonEnvelope{}); got != "" {
		t.Errorf("expected empty sender to yield empty string, got %q", got)
	}
}
