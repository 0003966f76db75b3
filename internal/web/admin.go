package web

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keukaworks/keuka-station/internal/duckdns"
	"github.com/keukaworks/keuka-station/internal/version"
	"github.com/keukaworks/keuka-station/internal/wifi"
)

func (s *Server) registerAdmin(g *gin.RouterGroup) {
	g.GET("/wifi", s.handleWifiStatus)
	g.POST("/wifi/scan", s.handleWifiScan)
	g.POST("/wifi/join", s.handleWifiJoin)

	g.GET("/network", s.handleNetworkGet)
	g.POST("/network", s.handleNetworkSet)

	g.GET("/duckdns", s.handleDuckDNSGet)
	g.POST("/duckdns", s.handleDuckDNSSave)
	g.POST("/duckdns/run", s.handleDuckDNSRun)
	g.GET("/duckdns/lastrun", s.handleDuckDNSLastRun)
	g.POST("/duckdns/timer", s.handleDuckDNSTimer)

	g.POST("/update/start", s.handleUpdateStart)
	g.POST("/update/cancel", s.handleUpdateCancel)
	g.GET("/update/status", s.handleUpdateStatus)
	g.GET("/update/version", s.handleUpdateVersion)

	g.GET("/logs", s.handleLogs)

	g.GET("/api/wanip", s.handleWANIP)
	g.POST("/api/wanip/check", s.handleWANCheck)

	g.GET("/contact", s.handleContactGet)
	g.POST("/contact", s.handleContactSave)
}

func (s *Server) handleWifiStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"link":    s.deps.Wifi.Status(),
		"ap_ssid": s.deps.Wifi.APSSID(s.opts.StationName, ""),
	})
}

func (s *Server) handleWifiScan(c *gin.Context) {
	nets, err := s.deps.Wifi.Scan()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"networks": nets})
}

type wifiJoinRequest struct {
	SSID string `json:"ssid" binding:"required"`
	PSK  string `json:"psk"`
}

func (s *Server) handleWifiJoin(c *gin.Context) {
	var req wifiJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Wifi.Join(req.SSID, req.PSK); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	ip, ok := s.deps.Wifi.WaitForIP(s.opts.JoinWait)
	c.JSON(http.StatusOK, gin.H{"joined": true, "got_ip": ok, "ip": ip})
}

func (s *Server) handleNetworkGet(c *gin.Context) {
	iface := s.deps.Wifi.StaIface
	static, isStatic := wifi.CurrentStatic(s.opts.DhcpcdPath)
	resp := gin.H{
		"iface":   iface,
		"ip":      wifi.IfaceIPv4(iface),
		"gateway": s.deps.Wifi.Gateway4(iface),
		"dns":     wifi.DNSServers(""),
		"mode":    "dhcp",
	}
	if isStatic {
		resp["mode"] = "static"
		resp["static"] = static
	}
	c.JSON(http.StatusOK, resp)
}

type networkSetRequest struct {
	Mode    string `json:"mode" binding:"required"`
	Address string `json:"address"`
	Gateway string `json:"gateway"`
	DNS     string `json:"dns"`
}

func (s *Server) handleNetworkSet(c *gin.Context) {
	var req networkSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Mode {
	case "dhcp":
		if err := wifi.SetDHCP(s.opts.DhcpcdPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	case "static":
		cfg := wifi.StaticConfig{
			Iface:   s.deps.Wifi.StaIface,
			Address: req.Address,
			Gateway: req.Gateway,
			DNS:     req.DNS,
		}
		if err := wifi.SetStatic(s.opts.DhcpcdPath, cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be dhcp or static"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode, "applied": true,
		"note": "takes effect after dhcpcd restarts"})
}

// maskToken hides all but the last four characters of a credential.
func maskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

func (s *Server) handleDuckDNSGet(c *gin.Context) {
	conf, err := duckdns.LoadConf(s.opts.DuckDNSConfPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      maskToken(conf.Token),
		"domains":    conf.Domains,
		"configured": conf.Valid(),
	})
}

type duckdnsSaveRequest struct {
	Token   string `json:"token" binding:"required"`
	Domains string `json:"domains" binding:"required"`
}

func (s *Server) handleDuckDNSSave(c *gin.Context) {
	var req duckdnsSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conf := duckdns.Conf{
		Token:   strings.TrimSpace(req.Token),
		Domains: duckdns.NormalizeDomains(req.Domains),
	}
	if !conf.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and at least one domain required"})
		return
	}
	if err := duckdns.SaveConf(s.opts.DuckDNSConfPath, conf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true, "domains": conf.Domains})
}

func (s *Server) handleDuckDNSRun(c *gin.Context) {
	conf, err := duckdns.LoadConf(s.opts.DuckDNSConfPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !conf.Valid() {
		c.JSON(http.StatusConflict, gin.H{"error": "duckdns is not configured"})
		return
	}
	results, allOK := s.deps.RunDuckDNS(c.Request.Context(), conf)

	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		entry := gin.H{"family": r.Family, "ok": r.OK, "body": r.Body}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"ok": allOK, "results": out})
}

// handleDuckDNSLastRun returns the verdict lines written by the last
// duckdns-update run, one per address family.
func (s *Server) handleDuckDNSLastRun(c *gin.Context) {
	data, err := os.ReadFile(s.opts.DuckDNSLastRunPath)
	if os.IsNotExist(err) {
		c.JSON(http.StatusOK, gin.H{"lines": []string{}})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

type duckdnsTimerRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleDuckDNSTimer(c *gin.Context) {
	var req duckdnsTimerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.deps.DuckDNSTimer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "timer control is not available"})
		return
	}
	if err := s.deps.DuckDNSTimer(c.Request.Context(), *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (s *Server) handleUpdateStart(c *gin.Context) {
	// The update outlives this request; it must not ride its context.
	if !s.deps.Updater.Start(context.Background()) {
		c.JSON(http.StatusConflict, gin.H{"error": "an update is already running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

func (s *Server) handleUpdateCancel(c *gin.Context) {
	s.deps.Updater.Cancel()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Updater.StatusSnapshot())
}

func (s *Server) handleUpdateVersion(c *gin.Context) {
	sha, source := version.LocalCommit(s.opts.AppRoot)
	c.JSON(http.StatusOK, gin.H{
		"commit": sha,
		"short":  version.Short(sha),
		"source": source,
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	n := 200
	if raw := c.Query("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	c.JSON(http.StatusOK, gin.H{"lines": s.deps.Logs.Tail(n)})
}

func (s *Server) handleWANIP(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.WAN.Last())
}

func (s *Server) handleWANCheck(c *gin.Context) {
	st, err := s.deps.WAN.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "last": st})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Contact is the station-owner contact card shown on the public pages.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

// Field caps keep a hostile admin session from growing the file
// without bound.
const (
	maxContactName  = 100
	maxContactEmail = 200
	maxContactPhone = 50
	maxContactNotes = 2000
)

func (ct Contact) validate() string {
	switch {
	case len(ct.Name) > maxContactName:
		return "name too long"
	case len(ct.Email) > maxContactEmail:
		return "email too long"
	case len(ct.Phone) > maxContactPhone:
		return "phone too long"
	case len(ct.Notes) > maxContactNotes:
		return "notes too long"
	}
	return ""
}

func (s *Server) handleContactGet(c *gin.Context) {
	var ct Contact
	data, err := os.ReadFile(s.opts.ContactPath)
	if err == nil {
		_ = json.Unmarshal(data, &ct)
	}
	c.JSON(http.StatusOK, ct)
}

func (s *Server) handleContactSave(c *gin.Context) {
	var ct Contact
	if err := c.ShouldBindJSON(&ct); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := ct.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	data, err := json.MarshalIndent(ct, "", "  ")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.ContactPath), 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	tmp := s.opts.ContactPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, s.opts.ContactPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}
