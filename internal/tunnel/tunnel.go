// Package tunnel keeps an outbound SSE connection to the central
// server so the station's web interface stays reachable behind NAT and
// carrier-grade LTE. The server forwards browser requests as events;
// the client replays them against the local HTTP server and posts each
// response back.
package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// maxResponseBytes caps a single proxied response; larger bodies
	// are truncated and flagged.
	maxResponseBytes = 10 << 20

	// SSE sub-requests cannot stream forever through the tunnel, so a
	// short batch of events is collected and returned whole.
	sseBatchEvents = 3
	sseBatchBytes  = 100 << 10
	sseBatchWindow = 30 * time.Second
)

// Config identifies the station to the central server.
type Config struct {
	SensorName string
	ServerURL  string // e.g. https://keuka.org
	LocalURL   string // the station's own HTTP server
	MaxBackoff time.Duration
}

// Client maintains the tunnel.
type Client struct {
	cfg      Config
	stream   *http.Client // long-lived SSE reads, no overall timeout
	local    *http.Client
	upstream *http.Client
	logger   *logrus.Logger
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Client{
		cfg:      cfg,
		stream:   &http.Client{},
		local:    &http.Client{Timeout: 20 * time.Second},
		upstream: &http.Client{Timeout: 25 * time.Second},
		logger:   logger,
	}
}

func (c *Client) tunnelURL() string {
	return fmt.Sprintf("%s/api/sensors/%s/tunnel", c.cfg.ServerURL, c.cfg.SensorName)
}

func (c *Client) responseURL() string {
	return fmt.Sprintf("%s/api/sensors/%s/tunnel/response", c.cfg.ServerURL, c.cfg.SensorName)
}

// Run keeps the tunnel connected until ctx is canceled, backing off
// exponentially on connection failures and resetting the backoff after
// every successful connection.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = time.Second
		}
		if err != nil {
			c.logger.WithError(err).Warn("tunnel connection lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// event is one message from the tunnel stream.
type event struct {
	Type       string            `json:"type"`
	SensorName string            `json:"sensorName"`
	RequestID  string            `json:"requestId"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      map[string]string `json:"query"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// consume reads the SSE stream until it ends. The returned bool
// reports whether a connection was established at all.
func (c *Client) consume(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tunnelURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("tunnel endpoint returned %d", resp.StatusCode)
	}

	c.logger.WithField("url", c.tunnelURL()).Info("tunnel connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			c.logger.WithError(err).Warn("unparsable tunnel event")
			continue
		}
		switch ev.Type {
		case "connected":
			c.logger.WithField("sensor", ev.SensorName).Info("tunnel established")
		case "ping":
		case "http_request":
			// Handled off the stream loop so a slow local request
			// cannot stall heartbeats.
			go c.handleRequest(ctx, ev)
		}
	}
	return true, scanner.Err()
}

// Headers the local request must not inherit from the proxied one.
var skipRequestHeaders = map[string]bool{
	"host":               true,
	"connection":         true,
	"cache-control":      true,
	"accept-encoding":    true,
	"x-forwarded-for":    true,
	"x-real-ip":          true,
	"x-request-id":       true,
	"x-response-status":  true,
	"x-response-headers": true,
}

func (c *Client) handleRequest(ctx context.Context, ev event) {
	u, err := url.Parse(c.cfg.LocalURL + ev.Path)
	if err != nil {
		c.sendError(ev.RequestID, "invalid request format", http.StatusBadRequest)
		return
	}
	if len(ev.Query) > 0 {
		q := u.Query()
		for k, v := range ev.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(ev.Body) > 0 && methodHasBody(ev.Method) {
		body = bytes.NewReader(requestBody(ev.Body))
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(ev.Method), u.String(), body)
	if err != nil {
		c.sendError(ev.RequestID, "invalid request format", http.StatusBadRequest)
		return
	}
	for k, v := range ev.Headers {
		if !skipRequestHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if isSSERequest(ev.Path, ev.Headers) {
		c.relaySSE(ctx, ev.RequestID, req)
		return
	}

	resp, err := c.local.Do(req)
	if err != nil {
		c.logger.WithError(err).WithField("request_id", ev.RequestID).Warn("local request failed")
		c.sendError(ev.RequestID, "service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		c.sendError(ev.RequestID, "request processing failed", http.StatusBadGateway)
		return
	}

	headers := responseHeaders(resp.Header)
	if len(content) > maxResponseBytes {
		content = content[:maxResponseBytes]
		headers["X-Truncated"] = "true"
	}
	c.postResponse(ev.RequestID, resp.StatusCode, headers, content)
}

// relaySSE collects a short batch of events from the local stream and
// returns it as one complete response, with a trailing batch_end event
// so the page knows to reconnect.
func (c *Client) relaySSE(ctx context.Context, requestID string, req *http.Request) {
	ctx, cancel := context.WithTimeout(ctx, sseBatchWindow)
	defer cancel()

	resp, err := c.stream.Do(req.WithContext(ctx))
	if err != nil {
		c.sendError(requestID, "SSE connection failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.sendError(requestID, fmt.Sprintf("SSE endpoint returned %d", resp.StatusCode), resp.StatusCode)
		return
	}

	var batch bytes.Buffer
	buf := make([]byte, 512)
	for batch.Len() < sseBatchBytes {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			batch.Write(buf[:n])
			if bytes.Count(batch.Bytes(), []byte("\n\n")) >= sseBatchEvents {
				break
			}
		}
		if err != nil {
			break
		}
	}
	batch.WriteString("event: batch_end\ndata: {\"batch_complete\": true}\n\n")

	c.postResponse(requestID, http.StatusOK, map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
	}, batch.Bytes())
}

func (c *Client) postResponse(requestID string, status int, headers map[string]string, content []byte) {
	hdr, _ := json.Marshal(headers)
	req, err := http.NewRequest(http.MethodPost, c.responseURL(), bytes.NewReader(content))
	if err != nil {
		return
	}
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Response-Status", strconv.Itoa(status))
	req.Header.Set("X-Response-Headers", string(hdr))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.upstream.Do(req)
	if err != nil {
		c.logger.WithError(err).WithField("request_id", requestID).Error("failed to send tunnel response")
		return
	}
	resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"status":     status,
		"bytes":      len(content),
	}).Debug("tunnel response sent")
}

func (c *Client) sendError(requestID, message string, status int) {
	body := fmt.Sprintf(
		"<html><body><h1>Sensor Error (%d)</h1><p>%s</p><p><small>Request ID: %s</small></p></body></html>",
		status, message, requestID)
	c.postResponse(requestID, status, map[string]string{"Content-Type": "text/html"}, []byte(body))
}

// requestBody unwraps the event body: the server sends either a JSON
// object (kept verbatim) or a JSON string holding the raw bytes.
func requestBody(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

func methodHasBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func isSSERequest(path string, headers map[string]string) bool {
	if strings.HasSuffix(path, ".sse") || strings.HasSuffix(path, "/sse") {
		return true
	}
	for k, v := range headers {
		if strings.EqualFold(k, "Accept") && strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

// responseHeaders copies the local response headers, dropping hop-wise
// ones the tunnel must not carry.
func responseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		switch strings.ToLower(k) {
		case "connection", "transfer-encoding", "content-encoding":
			continue
		}
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
