// Package mqttingest subscribes to the Meshtastic MQTT broker and feeds
// decoded position/nodeinfo/telemetry/neighbor reports into a node store
// and event bus. Only the JSON-mode payload path is decoded; protobuf
// ServiceEnvelope decoding of individual packets is explicitly out of
// scope.
package mqttingest

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

// Config configures the ingest client's connection to the broker.
type Config struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	Topic    string
}

// DefaultConfig returns the public Meshtastic broker's defaults.
func DefaultConfig() Config {
	return Config{
		Broker:   "mqtt.meshtastic.org",
		Port:     1883,
		ClientID: "meshforgemapsd",
		Topic:    "msh/#",
	}
}

// Client subscribes to the configured broker and populates a node store.
type Client struct {
	config    Config
	logger    *logx.Logger
	store     *nodestore.Store
	bus       *eventbus.Bus
	client    MQTT.Client
	connected bool
}

// New creates an ingest client bound to store and bus.
func New(config Config, store *nodestore.Store, bus *eventbus.Bus, logger *logx.Logger) *Client {
	return &Client{config: config, store: store, bus: bus, logger: logger}
}

// Connect establishes the broker connection with automatic reconnect.
func (c *Client) Connect() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttingest: connect to broker: %w", token.Error())
	}
	return nil
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	return c.connected
}

// Disconnect tears down the broker connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt ingest disconnected")
	}
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected = true
	c.logger.Info("mqtt ingest connected", "broker", c.config.Broker, "port", c.config.Port)
	token := client.Subscribe(c.config.Topic, 0, c.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt ingest subscribe failed", "error", err.Error(), "topic", c.config.Topic)
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected = false
	c.logger.Warn("mqtt ingest connection lost", "error", err.Error())
}

// jsonEnvelope mirrors the handful of fields the Meshtastic firmware's
// JSON MQTT mode emits; unrecognized fields are ignored.
type jsonEnvelope struct {
	Sender  interface{}            `json:"sender"`
	From    interface{}            `json:"from"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

func (c *Client) onMessage(client MQTT.Client, msg MQTT.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("mqtt ingest message panic recovered", "panic", r)
		}
	}()

	var env jsonEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		// Unparseable messages are common (binary/protobuf payloads on
		// brokers without JSON mode enabled) and silently dropped.
		return
	}

	nodeID := senderID(env)
	if nodeID == "" {
		return
	}

	switch {
	case env.Type == "position" || env.Payload["latitude_i"] != nil:
		c.handlePosition(nodeID, env.Payload)
	case env.Type == "nodeinfo":
		c.handleNodeInfo(nodeID, env.Payload)
	case env.Type == "telemetry":
		c.handleTelemetry(nodeID, env.Payload)
	case env.Type == "neighborinfo":
		c.handleNeighborInfo(nodeID, env.Payload)
	}
}

func senderID(env jsonEnvelope) string {
	raw := env.Sender
	if raw == nil {
		raw = env.From
	}
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("!%08x", int64(v))
	default:
		return ""
	}
}

func (c *Client) handlePosition(nodeID string, payload map[string]interface{}) {
	latI, latOK := numField(payload, "latitude_i")
	lonI, lonOK := numField(payload, "longitude_i")
	if !latOK || !lonOK || latI == 0 || lonI == 0 {
		return
	}
	lat := latI / 1e7
	lon := lonI / 1e7

	var altitude *float64
	if alt, ok := numField(payload, "altitude"); ok {
		altitude = &alt
	}

	c.store.UpdatePosition(nodeID, lat, lon, altitude, 0)
	c.publish(eventbus.NodePosition, nodeID, &lat, &lon, payload)
}

func (c *Client) handleNodeInfo(nodeID string, payload map[string]interface{}) {
	c.store.UpdateNodeInfo(
		nodeID,
		strField(payload, "long_name"),
		strField(payload, "short_name"),
		strField(payload, "hw_model"),
		strField(payload, "role"),
	)
	c.publish(eventbus.NodeInfo, nodeID, nil, nil, payload)
}

func (c *Client) handleTelemetry(nodeID string, payload map[string]interface{}) {
	extra := make(map[string]interface{})
	for _, key := range []string{"battery", "voltage", "temperature", "humidity", "pressure", "iaq", "pm25", "co2", "heart_bpm", "spo2", "snr", "channel_utilization", "air_util_tx"} {
		if v, ok := payload[key]; ok && v != nil {
			extra[key] = v
		}
	}
	if len(extra) == 0 {
		return
	}
	c.store.UpdateTelemetry(nodeID, extra)
	c.publish(eventbus.NodeTelemetry, nodeID, nil, nil, extra)
}

func (c *Client) handleNeighborInfo(nodeID string, payload map[string]interface{}) {
	raw, ok := payload["neighbors"].([]interface{})
	if !ok {
		return
	}
	neighbors := make([]nodestore.Neighbor, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id := strField(m, "node_id")
		if id == "" {
			continue
		}
		var snr *float64
		if v, ok := numField(m, "snr"); ok {
			snr = &v
		}
		neighbors = append(neighbors, nodestore.Neighbor{NodeID: id, SNR: snr})
	}
	c.store.UpdateNeighbors(nodeID, neighbors)
	c.publish(eventbus.NodeTopology, nodeID, nil, nil, payload)
}

func (c *Client) publish(eventType eventbus.EventType, nodeID string, lat, lon *float64, data interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type:   eventType,
		Source: "mqttingest",
		NodeID: nodeID,
		Lat:    lat,
		Lon:    lon,
		Data:   data,
	})
}

func numField(payload map[string]interface{}, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func strField(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
