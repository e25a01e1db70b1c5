// Package orchestrator owns the daemon's full lifecycle: constructing
// every component in dependency order, wiring the event bus into the
// analytics pipeline and the WebSocket bridge, starting the HTTP and
// WebSocket listeners with port fallback, and tearing everything down on
// shutdown (spec §4.15).
package orchestrator

import (
	"context"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/aggregator"
	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/analytics"
	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/collector"
	"github.com/nursedude/meshforge-maps/pkg/config"
	"github.com/nursedude/meshforge-maps/pkg/connectivity"
	"github.com/nursedude/meshforge-maps/pkg/drift"
	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/health"
	"github.com/nursedude/meshforge-maps/pkg/httpapi"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/metrics"
	"github.com/nursedude/meshforge-maps/pkg/mqttingest"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
	"github.com/nursedude/meshforge-maps/pkg/telemetry"
	"github.com/nursedude/meshforge-maps/pkg/wsapi"
)

// joinTimeout bounds how long Stop waits for a background thread before
// logging a missed-join warning rather than blocking indefinitely.
const joinTimeout = 5 * time.Second

// Options configures the daemon's startup parameters, distinct from the
// persisted config.Settings: these come from the command line.
type Options struct {
	ConfigPath  string
	DBPath      string
	Host        string
	Port        int
	LogLevel    string
	WebDir      string
	MetricsPort int
}

// DefaultOptions returns the CLI defaults.
func DefaultOptions() Options {
	return Options{
		ConfigPath:  "/etc/meshforgemapsd/config.json",
		DBPath:      "/var/lib/meshforgemapsd/telemetry.db",
		Host:        "127.0.0.1",
		Port:        8808,
		LogLevel:    "info",
		MetricsPort: 9808,
	}
}

// Daemon owns every constructed component and the goroutines wired
// between them.
type Daemon struct {
	opts   Options
	logger *logx.Logger

	config       *config.Store
	bus          *eventbus.Bus
	breakers     *circuit.Registry
	store        *nodestore.Store
	aggregator   *aggregator.Aggregator
	telemetry    *telemetry.Store
	connectivity *connectivity.Tracker
	health       *health.Scorer
	drift        *drift.Detector
	alerts       *alerting.Engine
	analytics    *analytics.Analytics
	mqtt         *mqttingest.Client
	metrics      *metrics.Server
	http         *httpapi.Server
	ws           *wsapi.Server

	subscriptions []eventbus.SubscriptionID
	ticker        *time.Ticker
	tickerDone    chan struct{}
}

// New constructs every component in dependency order (spec §4.15's
// "construct config → construct aggregator" sequence) but starts nothing
// network-facing yet; call Start for that.
func New(opts Options) *Daemon {
	logger := logx.New(opts.LogLevel)

	cfgStore := config.NewStore(opts.ConfigPath)
	if err := cfgStore.Load(); err != nil {
		logger.Warn("config load failed, using defaults", "error", err.Error())
	}
	settings := cfgStore.Get()

	bus := eventbus.New()
	breakers := circuit.NewRegistry(5, 60*time.Second)

	d := &Daemon{opts: opts, logger: logger, config: cfgStore, bus: bus, breakers: breakers}

	d.connectivity = connectivity.NewTracker(connectivity.WithOnTransition(d.onConnectivityTransition))
	d.health = health.NewScorer()
	d.drift = drift.NewDetector(drift.WithOnDrift(d.onDrift))
	d.alerts = alerting.NewEngine(alerting.WithPublisher(d.onAlert))

	d.store = nodestore.New(nodestore.WithOnNodeRemoved(d.onNodeRemoved))
	d.aggregator = aggregator.New(bus, breakers, d.store, logger)
	d.registerCollectors(settings)

	d.telemetry = telemetry.Open(opts.DBPath, int64(60), logger)
	d.analytics = analytics.New(d.telemetry, d.alerts)

	if settings.EnableMeshtastic && settings.MqttBroker != "" {
		mqttCfg := mqttingest.Config{
			Broker:   settings.MqttBroker,
			Port:     settings.MqttPort,
			ClientID: "meshforgemapsd",
			Username: settings.MqttUsername,
			Password: settings.MqttPassword,
			Topic:    settings.MqttTopic,
		}
		d.mqtt = mqttingest.New(mqttCfg, d.store, bus, logger)
	}

	d.metrics = metrics.New(d.aggregator, breakers, d.store, d.connectivity, d.alerts, logger)

	d.ws = wsapi.New(logger, wsapi.WithHistorySize(wsapi.DefaultHistorySize))

	d.http = httpapi.New(&httpapi.Context{
		Aggregator:   d.aggregator,
		Telemetry:    d.telemetry,
		Analytics:    d.analytics,
		Alerts:       d.alerts,
		Health:       d.health,
		Connectivity: d.connectivity,
		Drift:        d.drift,
		Breakers:     breakers,
		Bus:          bus,
		MQTT:         d.mqtt,
		Config:       cfgStore,
		WebDir:       opts.WebDir,
		StartTime:    time.Now(),
		WS:           d.ws,
	}, logger)

	return d
}

func (d *Daemon) registerCollectors(settings config.Settings) {
	ttl := time.Duration(settings.CacheTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	if settings.EnableMeshtastic {
		d.aggregator.Register("meshtastic", collector.NewMeshtastic(
			collector.MeshtasticConfig{SourceMode: collector.SourceMQTTOnly},
			d.store, d.breakers.Get("meshtastic"), ttl))
	}
	if settings.EnableReticulum {
		d.aggregator.Register("reticulum", collector.NewReticulum(
			collector.ReticulumConfig{}, d.breakers.Get("reticulum"), ttl))
	}
	if settings.EnableHamclock {
		aredn := collector.NewAREDN(collector.AREDNConfig{}, d.breakers.Get("aredn"), ttl)
		d.aggregator.Register("hamclock", collector.NewHamClock(
			collector.HamClockConfig{Host: settings.HamclockHost, LegacyPort: settings.HamclockPort, SuccessorPort: settings.OpenHamclockPort},
			d.breakers.Get("hamclock"), ttl))
		if settings.EnableAREDN {
			d.aggregator.SetAREDN(aredn)
			d.aggregator.Register("aredn", aredn)
		}
	} else if settings.EnableAREDN {
		aredn := collector.NewAREDN(collector.AREDNConfig{}, d.breakers.Get("aredn"), ttl)
		d.aggregator.SetAREDN(aredn)
		d.aggregator.Register("aredn", aredn)
	}
	if settings.EnableNOAAAlerts {
		d.aggregator.Register("noaa_alerts", collector.NewNOAAAlerts(
			collector.NOAAAlertsConfig{Area: settings.NOAAAlertsArea, Severity: settings.NOAAAlertsSeverity},
			d.breakers.Get("noaa_alerts"), ttl))
	}
}

// Start subscribes the analytics pipeline and WebSocket bridge to the bus,
// connects MQTT (if enabled), binds the metrics listener (when MetricsPort
// is positive), binds the HTTP server (with port fallback),
// binds the WebSocket server on the adjacent port, and begins the periodic
// collection tick.
func (d *Daemon) Start() error {
	d.subscriptions = append(d.subscriptions,
		d.bus.Subscribe(eventbus.NodePosition, d.onNodeEvent),
		d.bus.Subscribe(eventbus.NodeInfo, d.onNodeEvent),
		d.bus.Subscribe(eventbus.NodeTelemetry, d.onNodeEvent),
	)

	if d.mqtt != nil {
		if err := d.mqtt.Connect(); err != nil {
			d.logger.Error("mqtt connect failed", "error", err.Error())
		}
	}

	if d.opts.MetricsPort > 0 {
		if err := d.metrics.Start(d.opts.MetricsPort); err != nil {
			d.logger.Warn("metrics server failed to start", "error", err.Error())
		}
	}

	if err := d.http.Start(d.opts.Host, d.opts.Port); err != nil {
		return err
	}

	wsHost := d.config.Get().WSHost
	if wsHost == "" {
		wsHost = d.opts.Host
	}
	if err := d.ws.Start(wsHost, d.opts.Port+1); err != nil {
		d.logger.Warn("websocket server failed to start", "error", err.Error())
	} else {
		d.subscriptions = append(d.subscriptions, d.ws.SubscribeBus(d.bus))
	}

	tickInterval := time.Duration(d.config.Get().CacheTTLMinutes) * time.Minute / 4
	if tickInterval <= 0 {
		tickInterval = 4 * time.Minute
	}
	d.tickerDone = make(chan struct{})
	d.ticker = time.NewTicker(tickInterval)
	go d.tickLoop()

	d.logger.Info("daemon started", "http_addr", d.http.Addr())
	return nil
}

func (d *Daemon) tickLoop() {
	for {
		select {
		case <-d.ticker.C:
			d.aggregator.CollectAll(context.Background())
			d.connectivity.CheckOffline(time.Now())
			d.metrics.Update()
		case <-d.tickerDone:
			return
		}
	}
}

// Stop gracefully stops every background thread in reverse dependency
// order, joining each with joinTimeout and logging (never raising) a
// missed join. Idempotent.
func (d *Daemon) Stop() {
	if d.ticker != nil {
		d.ticker.Stop()
		close(d.tickerDone)
		d.ticker = nil
	}

	for _, sub := range d.subscriptions {
		d.bus.Unsubscribe(sub)
	}
	d.subscriptions = nil

	if err := joinWithTimeout(d.ws.Stop, joinTimeout); err != nil {
		d.logger.Warn("websocket server stop missed timeout", "error", err.Error())
	}
	if err := joinWithTimeout(d.http.Stop, joinTimeout); err != nil {
		d.logger.Warn("http server stop missed timeout", "error", err.Error())
	}
	if err := d.metrics.Stop(); err != nil {
		d.logger.Warn("metrics server stop error", "error", err.Error())
	}

	if d.mqtt != nil {
		if err := joinWithTimeout(func() error { d.mqtt.Disconnect(); return nil }, joinTimeout); err != nil {
			d.logger.Warn("mqtt disconnect missed timeout", "error", err.Error())
		}
	}

	d.telemetry.Close()
	d.logger.Info("daemon stopped")
}

// joinWithTimeout runs fn in its own goroutine and waits up to timeout for
// it to finish, returning a timeout error (never fn's own error losslessly
// propagated beyond logging) if it doesn't.
func joinWithTimeout(fn func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// onNodeEvent feeds a position/info/telemetry event into connectivity,
// drift, health, alerting, and the node-history store.
func (d *Daemon) onNodeEvent(e eventbus.Event) {
	now := time.Now()
	if e.NodeID == "" {
		return
	}
	d.connectivity.RecordHeartbeat(e.NodeID, now)

	n := d.store.Get(e.NodeID)
	if n == nil {
		return
	}

	fields := map[string]interface{}{
		"role":     n.Role,
		"hardware": n.Hardware,
		"name":     n.Name,
	}
	d.drift.CheckNode(e.NodeID, fields, now)

	inputs := health.Inputs{ConnectivityState: string(d.connState(e.NodeID))}
	if v, ok := n.Extra["battery"].(float64); ok {
		inputs.Battery = &v
	}
	if v, ok := n.Extra["snr"].(float64); ok {
		inputs.SNR = &v
	}
	lastSeen := time.Unix(n.LastSeen, 0)
	inputs.LastSeen = &lastSeen
	score := d.health.ScoreNode(e.NodeID, inputs, now)

	props := map[string]interface{}{"network": "meshtastic"}
	for k, v := range n.Extra {
		props[k] = v
	}
	healthVal := score.Value
	d.alerts.EvaluateNode(e.NodeID, props, &healthVal, now)

	if e.Type == eventbus.NodePosition && n.Latitude != nil && n.Longitude != nil {
		obs := telemetry.Observation{
			NodeID: e.NodeID, Network: "meshtastic", Timestamp: now,
			Latitude: *n.Latitude, Longitude: *n.Longitude, Altitude: n.Altitude,
			Name: n.Name,
		}
		if v, ok := n.Extra["snr"].(float64); ok {
			obs.SNR = &v
		}
		if v, ok := n.Extra["battery"].(float64); ok {
			obs.Battery = &v
		}
		_ = d.telemetry.RecordObservationFull(obs)
	}
}

func (d *Daemon) connState(nodeID string) connectivity.State {
	if s, ok := d.connectivity.GetNodeState(nodeID); ok {
		return s
	}
	return ""
}

func (d *Daemon) onNodeRemoved(nodeID string) {
	d.connectivity.RemoveNode(nodeID)
	d.health.RemoveNode(nodeID)
	d.aggregator.OnNodeRemoved(nodeID)
}

func (d *Daemon) onConnectivityTransition(t connectivity.Transition) {
	eventType := eventbus.ServiceUp
	if t.New == connectivity.StateOffline {
		eventType = eventbus.ServiceDown
	} else if t.New == connectivity.StateIntermittent {
		eventType = eventbus.ServiceDegraded
	}
	d.bus.Publish(eventbus.Event{Type: eventType, Source: "connectivity", NodeID: t.NodeID, Data: t})
}

func (d *Daemon) onDrift(nodeID string, drifts []drift.Drift) {
	d.bus.Publish(eventbus.Event{Type: eventbus.NodeTopology, Source: "drift", NodeID: nodeID, Data: drifts})
}

func (d *Daemon) onAlert(alert alerting.Alert) {
	d.bus.Publish(eventbus.Event{Type: eventbus.AlertFired, Source: "alerting", NodeID: alert.NodeID, Data: alert})
}

// Summary is a point-in-time snapshot used by the terminal status display
// (spec §6's --tui mode); it deliberately exposes only aggregate counts,
// never per-node detail, since the TUI renderer itself is out of scope.
type Summary struct {
	Nodes           int
	ConnectivityNew int
	Stable          int
	Intermittent    int
	Offline         int
	ActiveAlerts    int
	HTTPAddr        string
}

// ReloadConfig re-reads the config file from disk (spec §5's SIGHUP
// handling). Collector registration reflects the reloaded settings only
// after the next restart: sources are wired once at construction time.
func (d *Daemon) ReloadConfig() error {
	return d.config.Load()
}

// Summary reports aggregate counts for the terminal status display.
func (d *Daemon) Summary() Summary {
	conn := d.connectivity.GetSummary()
	alerts := d.alerts.GetSummary()
	return Summary{
		Nodes:           d.store.NodeCount(),
		ConnectivityNew: conn.States[connectivity.StateNew],
		Stable:          conn.States[connectivity.StateStable],
		Intermittent:    conn.States[connectivity.StateIntermittent],
		Offline:         conn.States[connectivity.StateOffline],
		ActiveAlerts:    alerts.ActiveAlerts,
		HTTPAddr:        d.http.Addr(),
	}
}
