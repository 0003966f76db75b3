package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keukaworks/keuka-station/internal/duckdns"
)

func TestAdminRequiresBasicAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.get("/admin/logs")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/logs", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w = env.adminReq(http.MethodGet, "/admin/logs", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminLogsTail(t *testing.T) {
	env := newTestEnv(t)

	// Feed lines through a logger wired to the same hook.
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(env.logs)
	for i := 0; i < 5; i++ {
		logger.Infof("log line %d", i)
	}

	w := env.adminReq(http.MethodGet, "/admin/logs?n=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Lines, 2)
	assert.Contains(t, resp.Lines[1], "log line 4")
}

func TestAdminDuckDNSRoundtrip(t *testing.T) {
	env := newTestEnv(t)

	// Unconfigured: run refuses.
	w := env.adminReq(http.MethodPost, "/admin/duckdns/run", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Save (with the suffix users paste in).
	w = env.adminReq(http.MethodPost, "/admin/duckdns",
		`{"token":"super-secret-token","domains":"keukalake.duckdns.org, backup"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Read back: token masked, domains normalized.
	w = env.adminReq(http.MethodGet, "/admin/duckdns", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Token      string   `json:"token"`
		Domains    []string `json:"domains"`
		Configured bool     `json:"configured"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Configured)
	assert.Equal(t, []string{"keukalake", "backup"}, got.Domains)
	assert.True(t, strings.HasSuffix(got.Token, "oken"))
	assert.True(t, strings.HasPrefix(got.Token, "*"))
	assert.NotContains(t, got.Token, "super-secret")

	// Run now that it is configured.
	env.server.deps.RunDuckDNS = func(ctx context.Context, conf duckdns.Conf) ([]duckdns.Result, bool) {
		assert.Equal(t, "super-secret-token", conf.Token)
		return []duckdns.Result{{Family: duckdns.FamilyV4, OK: true, Body: "OK"}}, true
	}
	env.router = env.server.Router()
	w = env.adminReq(http.MethodPost, "/admin/duckdns/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)
}

func TestAdminDuckDNSLastRun(t *testing.T) {
	env := newTestEnv(t)

	// No run yet: empty list, not an error.
	w := env.adminReq(http.MethodGet, "/admin/duckdns/lastrun", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"lines":[]`)

	content := "2026-08-23T10:00:00Z [duckdns] v4 OK\n"
	require.NoError(t, os.WriteFile(env.server.opts.DuckDNSLastRunPath, []byte(content), 0644))

	w = env.adminReq(http.MethodGet, "/admin/duckdns/lastrun", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Lines, 1)
	assert.Contains(t, got.Lines[0], "[duckdns] v4 OK")
}

func TestAdminDuckDNSTimer(t *testing.T) {
	env := newTestEnv(t)

	// No control wired: not implemented.
	w := env.adminReq(http.MethodPost, "/admin/duckdns/timer", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	var gotEnable *bool
	env.server.deps.DuckDNSTimer = func(ctx context.Context, enable bool) error {
		gotEnable = &enable
		return nil
	}
	env.router = env.server.Router()

	w = env.adminReq(http.MethodPost, "/admin/duckdns/timer", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, gotEnable)
	assert.False(t, *gotEnable)

	// Missing field is a client error.
	w = env.adminReq(http.MethodPost, "/admin/duckdns/timer", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminUpdateLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.adminReq(http.MethodPost, "/admin/update/start", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	// A second start while running conflicts.
	w = env.adminReq(http.MethodPost, "/admin/update/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.adminReq(http.MethodGet, "/admin/update/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)

	w = env.adminReq(http.MethodPost, "/admin/update/cancel", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, env.upd.canceled)
}

func TestAdminUpdateVersion(t *testing.T) {
	env := newTestEnv(t)

	w := env.adminReq(http.MethodGet, "/admin/update/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Contains(t, got, "commit")
	assert.Contains(t, got, "source")
}

func TestAdminWANIP(t *testing.T) {
	env := newTestEnv(t)

	w := env.adminReq(http.MethodGet, "/admin/api/wanip", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "203.0.113.7")

	w = env.adminReq(http.MethodPost, "/admin/api/wanip/check", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.wanT.checked)
}

func TestAdminContact(t *testing.T) {
	env := newTestEnv(t)

	// Empty until saved.
	w := env.adminReq(http.MethodGet, "/admin/contact", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":""`)

	w = env.adminReq(http.MethodPost, "/admin/contact",
		`{"name":"Lake Association","email":"steward@example.org","phone":"555-0100","notes":"call after 9am"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.adminReq(http.MethodGet, "/admin/contact", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Lake Association")

	// Oversized field rejected, file untouched.
	huge := strings.Repeat("x", maxContactNotes+1)
	w = env.adminReq(http.MethodPost, "/admin/contact", `{"name":"a","notes":"`+huge+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	data, err := os.ReadFile(env.server.opts.ContactPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Lake Association")
}

func TestAdminNetworkToggle(t *testing.T) {
	env := newTestEnv(t)

	w := env.adminReq(http.MethodGet, "/admin/network", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"dhcp"`)

	w = env.adminReq(http.MethodPost, "/admin/network",
		`{"mode":"static","address":"192.168.1.50/24","gateway":"192.168.1.1","dns":"192.168.1.1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.adminReq(http.MethodGet, "/admin/network", "")
	assert.Contains(t, w.Body.String(), `"mode":"static"`)
	assert.Contains(t, w.Body.String(), "192.168.1.50/24")

	// Bad plan rejected.
	w = env.adminReq(http.MethodPost, "/admin/network",
		`{"mode":"static","address":"not-an-address","gateway":"192.168.1.1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Back to DHCP.
	w = env.adminReq(http.MethodPost, "/admin/network", `{"mode":"dhcp"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.adminReq(http.MethodGet, "/admin/network", "")
	assert.Contains(t, w.Body.String(), `"mode":"dhcp"`)
}

func TestAdminWifiJoin(t *testing.T) {
	env := newTestEnv(t)
	var joined [][]string
	env.server.deps.Wifi.Run = func(name string, args ...string) (string, error) {
		joined = append(joined, append([]string{name}, args...))
		if len(args) >= 3 && args[2] == "add_network" {
			return "1\n", nil
		}
		return "OK\n", nil
	}

	w := env.adminReq(http.MethodPost, "/admin/wifi/join", `{"ssid":"LakeHouse","psk":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, joined)
	assert.Contains(t, w.Body.String(), `"joined":true`)

	// Missing SSID is a client error.
	w = env.adminReq(http.MethodPost, "/admin/wifi/join", `{"psk":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminWifiScan(t *testing.T) {
	env := newTestEnv(t)
	env.server.deps.Wifi.ScanSettle = 0
	env.server.deps.Wifi.Run = func(name string, args ...string) (string, error) {
		if len(args) >= 3 && args[2] == "scan" {
			return "OK\n", nil
		}
		return "bssid / frequency / signal level / flags / ssid\n" +
			"aa:bb:cc:dd:ee:01\t2412\t-45\t[WPA2-PSK-CCMP][ESS]\tLakeHouse\n", nil
	}

	w := env.adminReq(http.MethodPost, "/admin/wifi/scan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "LakeHouse")

	// A failing trigger surfaces as a gateway error.
	env.server.deps.Wifi.Run = func(name string, args ...string) (string, error) {
		return "", errors.New("iface down")
	}
	w = env.adminReq(http.MethodPost, "/admin/wifi/scan", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAdminWifiStatus(t *testing.T) {
	env := newTestEnv(t)
	env.server.deps.Wifi.Run = func(name string, args ...string) (string, error) {
		return iwLinkConnected, nil
	}

	w := env.adminReq(http.MethodGet, "/admin/wifi", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "LakeHouse")
	assert.Contains(t, w.Body.String(), "ap_ssid")
}

const iwLinkConnected = `Connected to aa:bb:cc:dd:ee:ff (on wlan0)
	SSID: LakeHouse
	freq: 2437
	signal: -58 dBm
`

func TestContactPathCreated(t *testing.T) {
	env := newTestEnv(t)
	nested := filepath.Join(env.dataDir, "deep", "contact.json")
	env.server.opts.ContactPath = nested
	env.router = env.server.Router()

	w := env.adminReq(http.MethodPost, "/admin/contact", `{"name":"n"}`)
	require.Equal(t, http.StatusOK, w.Code)
	_, err := os.Stat(nested)
	assert.NoError(t, err)
}
