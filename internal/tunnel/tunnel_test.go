package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	requestID string
	status    string
	headers   map[string]string
	body      string
}

// newTunnelServer serves the SSE stream and records posted responses.
func newTunnelServer(t *testing.T, events []string, responses chan captured) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sensors/ks-test/tunnel", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			fl.Flush()
		}
		// Keep the stream open until the client goes away.
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/sensors/ks-test/tunnel/response", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var headers map[string]string
		_ = json.Unmarshal([]byte(r.Header.Get("X-Response-Headers")), &headers)
		responses <- captured{
			requestID: r.Header.Get("X-Request-ID"),
			status:    r.Header.Get("X-Response-Status"),
			headers:   headers,
			body:      string(body),
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func waitForResponse(t *testing.T, ch chan captured) captured {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(3 * time.Second):
		t.Fatal("no tunnel response arrived")
		return captured{}
	}
}

func TestTunnelProxiesRequestToLocalServer(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Forwarded-For"), "hop headers must be stripped")
		w.Header().Set("X-Station", "keuka-1")
		fmt.Fprintf(w, "hello x=%s ua=%s", r.URL.Query().Get("x"), r.Header.Get("User-Agent"))
	}))
	defer local.Close()

	responses := make(chan captured, 1)
	events := []string{
		`{"type":"connected","sensorName":"ks-test"}`,
		`{"type":"ping"}`,
		`{"type":"http_request","requestId":"r1","method":"GET","path":"/hello",` +
			`"query":{"x":"1"},"headers":{"User-Agent":"lake-browser","X-Forwarded-For":"203.0.113.9"}}`,
	}
	upstream := newTunnelServer(t, events, responses)

	client := NewClient(Config{
		SensorName: "ks-test",
		ServerURL:  upstream.URL,
		LocalURL:   local.URL,
		MaxBackoff: 10 * time.Millisecond,
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	got := waitForResponse(t, responses)
	assert.Equal(t, "r1", got.requestID)
	assert.Equal(t, "200", got.status)
	assert.Equal(t, "hello x=1 ua=lake-browser", got.body)
	assert.Equal(t, "keuka-1", got.headers["X-Station"])
}

func TestTunnelReportsUnreachableLocalServer(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	responses := make(chan captured, 1)
	events := []string{
		`{"type":"http_request","requestId":"r2","method":"GET","path":"/"}`,
	}
	upstream := newTunnelServer(t, events, responses)

	client := NewClient(Config{
		SensorName: "ks-test",
		ServerURL:  upstream.URL,
		LocalURL:   deadURL,
		MaxBackoff: 10 * time.Millisecond,
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	got := waitForResponse(t, responses)
	assert.Equal(t, "r2", got.requestID)
	assert.Equal(t, "503", got.status)
	assert.Contains(t, got.body, "Sensor Error (503)")
	assert.Equal(t, "text/html", got.headers["Content-Type"])
}

func TestHandleRequestForwardsBody(t *testing.T) {
	var gotBody string
	var gotCT string
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer local.Close()

	responses := make(chan captured, 1)
	upstream := newTunnelServer(t, nil, responses)

	client := NewClient(Config{
		SensorName: "ks-test",
		ServerURL:  upstream.URL,
		LocalURL:   local.URL,
	}, quietLogger())

	client.handleRequest(context.Background(), event{
		Type:      "http_request",
		RequestID: "r3",
		Method:    "POST",
		Path:      "/admin/contact",
		Body:      json.RawMessage(`{"name":"Lake Association"}`),
	})

	got := waitForResponse(t, responses)
	assert.Equal(t, "201", got.status)
	assert.JSONEq(t, `{"name":"Lake Association"}`, gotBody)
	assert.Equal(t, "application/json", gotCT)
}

func TestRelaySSECollectsBoundedBatch(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		// Three events, then the stream hangs open; the relay must
		// return without waiting for it to end.
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "event: health\ndata: {\"n\":%d}\n\n", i)
			fl.Flush()
		}
		<-r.Context().Done()
	}))
	defer local.Close()

	responses := make(chan captured, 1)
	upstream := newTunnelServer(t, nil, responses)

	client := NewClient(Config{
		SensorName: "ks-test",
		ServerURL:  upstream.URL,
		LocalURL:   local.URL,
	}, quietLogger())

	client.handleRequest(context.Background(), event{
		Type:      "http_request",
		RequestID: "r4",
		Method:    "GET",
		Path:      "/health.sse",
	})

	got := waitForResponse(t, responses)
	assert.Equal(t, "200", got.status)
	assert.Equal(t, "text/event-stream", got.headers["Content-Type"])
	// The batch holds the collected events and is closed out explicitly.
	assert.Contains(t, got.body, `{"n":0}`)
	assert.Contains(t, got.body, `{"n":2}`)
	assert.Contains(t, got.body, "event: batch_end")
}

func TestRequestBody(t *testing.T) {
	// A JSON object passes through verbatim.
	assert.Equal(t, `{"a":1}`, string(requestBody(json.RawMessage(`{"a":1}`))))
	// A JSON string is unwrapped to its raw bytes.
	assert.Equal(t, "plain text", string(requestBody(json.RawMessage(`"plain text"`))))
}

func TestIsSSERequest(t *testing.T) {
	tests := []struct {
		path    string
		headers map[string]string
		want    bool
	}{
		{"/health.sse", nil, true},
		{"/events/sse", nil, true},
		{"/health.json", nil, false},
		{"/health", map[string]string{"Accept": "text/event-stream"}, true},
		{"/health", map[string]string{"accept": "text/html"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isSSERequest(tt.path, tt.headers), tt.path)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	responses := make(chan captured, 1)
	upstream := newTunnelServer(t, nil, responses)

	client := NewClient(Config{
		SensorName: "ks-test",
		ServerURL:  upstream.URL,
		LocalURL:   "http://127.0.0.1:0",
		MaxBackoff: 10 * time.Millisecond,
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConsumeRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{
		SensorName: "ks-test",
		ServerURL:  srv.URL,
		LocalURL:   "http://127.0.0.1:0",
	}, quietLogger())

	connected, err := client.consume(context.Background())
	assert.False(t, connected)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
