package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetbeam/relay/internal/core/logger"
)

const (
	heartbeatInterval = 30 * time.Second
	maxBackoff        = 60 * time.Second
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type commandEnvelope struct {
	CommandID   string         `json:"commandId"`
	CommandType string         `json:"commandType"`
	CommandData map[string]any `json:"commandData"`
}

// Client maintains the websocket session to the relay: it reconnects with
// backoff, streams host metrics, answers heartbeats, and executes commands
// pushed from the server side.
type Client struct {
	relayURL       string
	apiKey         string
	metricInterval time.Duration

	collector *Collector
	executor  *Executor

	writeMu sync.Mutex
	conn    *websocket.Conn
	wg      sync.WaitGroup
}

func NewClient(relayURL, apiKey string, metricInterval time.Duration) *Client {
	collector := NewCollector()
	return &Client{
		relayURL:       relayURL,
		apiKey:         apiKey,
		metricInterval: metricInterval,
		collector:      collector,
		executor:       NewExecutor(collector),
	}
}

// Register provisions this host against the relay's REST API and returns the
// minted agent api key. Re-running on the same hostname returns the existing
// key.
func Register(ctx context.Context, baseURL, orgAPIKey, agentVersion string) (string, error) {
	info := Describe()
	body, _ := json.Marshal(map[string]string{
		"hostname":     info.Hostname,
		"osType":       info.OSType,
		"osVersion":    info.OSVersion,
		"agentVersion": agentVersion,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/agents/register", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", orgAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registration rejected: %s", resp.Status)
	}

	var out struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.APIKey, nil
}

// Run connects and serves the session until ctx is cancelled, reconnecting
// with exponential backoff on any transport failure.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("relay connection lost, reconnecting", "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) serve(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + c.apiKey}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.relayURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("relay rejected api key: %w", err)
		}
		return err
	}
	c.setConn(conn)

	logger.Info("connected to relay", "url", c.relayURL)

	sessionCtx, cancel := context.WithCancel(ctx)
	// Stop the pushers, close the transport to unblock in-flight writes,
	// then wait for every session goroutine. serve must not return while
	// anything can still touch the conn field.
	defer func() {
		cancel()
		conn.Close()
		c.wg.Wait()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pushLoop(sessionCtx)
	}()

	// First sample immediately so a fresh connection is visible on
	// dashboards without waiting a full interval.
	c.sendMetrics()

	for {
		var frame envelope
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Event != "command" {
			continue
		}
		var cmd commandEnvelope
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			logger.Error("malformed command frame", "error", err)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runCommand(sessionCtx, cmd)
		}()
	}
}

func (c *Client) pushLoop(ctx context.Context) {
	metrics := time.NewTicker(c.metricInterval)
	defer metrics.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-metrics.C:
			c.sendMetrics()
		case <-heartbeat.C:
			c.send("heartbeat", map[string]any{})
		}
	}
}

func (c *Client) sendMetrics() {
	snapshot := c.collector.Sample()
	c.send("metrics", map[string]any{
		"metricType": "system",
		"metricData": snapshot,
	})
}

func (c *Client) runCommand(ctx context.Context, cmd commandEnvelope) {
	logger.Info("executing command", "command_id", cmd.CommandID, "type", cmd.CommandType)

	result, err := c.executor.Execute(ctx, cmd.CommandType, cmd.CommandData)
	payload := map[string]any{"commandId": cmd.CommandID}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["result"] = result
	}
	c.send("command:result", payload)
}

// setConn swaps the live transport under the same mutex send uses.
func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn = conn
}

func (c *Client) send(event string, data any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		logger.Error("write to relay failed", "event", event, "error", err)
	}
}
