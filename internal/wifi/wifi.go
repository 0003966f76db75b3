// Package wifi wraps the Pi's wireless tooling (wpa_cli, iw, ip) for
// the admin pages: station link status, network scans, joining a
// network and reading interface addressing. Commands run through an
// injectable runner so everything is testable off-device.
package wifi

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Runner executes an external command and returns combined output.
type Runner func(name string, args ...string) (string, error)

func execRunner(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// Manager queries and configures the station (client) interface.
type Manager struct {
	StaIface string
	APIface  string
	Run      Runner
	// ScanSettle is how long the driver gets between triggering a scan
	// and collecting results.
	ScanSettle time.Duration
}

func NewManager(staIface, apIface string) *Manager {
	return &Manager{
		StaIface:   staIface,
		APIface:    apIface,
		Run:        execRunner,
		ScanSettle: 2 * time.Second,
	}
}

// LinkStatus describes the current station association.
type LinkStatus struct {
	Iface     string `json:"iface"`
	Connected bool   `json:"connected"`
	SSID      string `json:"ssid,omitempty"`
	BSSID     string `json:"bssid,omitempty"`
	SignalDBM int    `json:"signal_dbm,omitempty"`
	FreqMHz   int    `json:"freq_mhz,omitempty"`
	TxBitrate string `json:"tx_bitrate,omitempty"`
}

// Status parses `iw dev <iface> link`.
func (m *Manager) Status() LinkStatus {
	out, err := m.Run("iw", "dev", m.StaIface, "link")
	st := LinkStatus{Iface: m.StaIface}
	if err != nil {
		return st
	}
	return parseLink(m.StaIface, out)
}

func parseLink(iface, out string) LinkStatus {
	st := LinkStatus{Iface: iface}
	for _, ln := range strings.Split(out, "\n") {
		s := strings.TrimSpace(ln)
		switch {
		case strings.HasPrefix(s, "Connected to "):
			st.Connected = true
			parts := strings.Fields(s)
			if len(parts) >= 3 {
				st.BSSID = parts[2]
			}
		case strings.HasPrefix(s, "SSID:"):
			st.SSID = strings.TrimSpace(strings.TrimPrefix(s, "SSID:"))
		case strings.HasPrefix(s, "signal:"):
			fields := strings.Fields(s)
			if len(fields) >= 2 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					st.SignalDBM = v
				}
			}
		case strings.HasPrefix(s, "freq:"):
			fields := strings.Fields(s)
			if len(fields) >= 2 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					st.FreqMHz = v
				}
			}
		case strings.HasPrefix(s, "tx bitrate:"):
			st.TxBitrate = strings.TrimSpace(strings.TrimPrefix(s, "tx bitrate:"))
		}
	}
	return st
}

// Network is one scan result.
type Network struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
	SignalDBM int    `json:"signal_dbm"`
	FreqMHz   int    `json:"freq_mhz"`
	Secured   bool   `json:"secured"`
}

// Scan triggers a wpa_cli scan and parses scan_results (tab-separated:
// bssid / freq / rssi / flags / ssid).
func (m *Manager) Scan() ([]Network, error) {
	if _, err := m.Run("wpa_cli", "-i", m.StaIface, "scan"); err != nil {
		return nil, fmt.Errorf("scan trigger failed: %w", err)
	}
	if m.ScanSettle > 0 {
		time.Sleep(m.ScanSettle)
	}
	out, err := m.Run("wpa_cli", "-i", m.StaIface, "scan_results")
	if err != nil {
		return nil, fmt.Errorf("scan_results failed: %w", err)
	}
	return parseScanResults(out), nil
}

func parseScanResults(out string) []Network {
	var nets []Network
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nets
	}
	for _, ln := range lines[1:] { // first line is the header
		parts := strings.Split(ln, "\t")
		if len(parts) < 5 || parts[4] == "" {
			continue
		}
		freq, _ := strconv.Atoi(parts[1])
		rssi, _ := strconv.Atoi(parts[2])
		nets = append(nets, Network{
			SSID:      parts[4],
			BSSID:     parts[0],
			SignalDBM: rssi,
			FreqMHz:   freq,
			Secured:   strings.Contains(parts[3], "WPA") || strings.Contains(parts[3], "WEP"),
		})
	}
	return nets
}

// Join adds (or replaces) a network in wpa_supplicant and selects it.
func (m *Manager) Join(ssid, psk string) error {
	if ssid == "" {
		return fmt.Errorf("ssid is required")
	}
	id, err := m.Run("wpa_cli", "-i", m.StaIface, "add_network")
	if err != nil {
		return fmt.Errorf("add_network failed: %w", err)
	}
	netID := strings.TrimSpace(id)

	steps := [][]string{
		{"set_network", netID, "ssid", fmt.Sprintf("%q", ssid)},
	}
	if psk == "" {
		steps = append(steps, []string{"set_network", netID, "key_mgmt", "NONE"})
	} else {
		steps = append(steps, []string{"set_network", netID, "psk", fmt.Sprintf("%q", psk)})
	}
	steps = append(steps,
		[]string{"enable_network", netID},
		[]string{"select_network", netID},
		[]string{"save_config"},
	)

	for _, step := range steps {
		args := append([]string{"-i", m.StaIface}, step...)
		out, err := m.Run("wpa_cli", args...)
		if err != nil || strings.Contains(out, "FAIL") {
			return fmt.Errorf("wpa_cli %s failed: %s", step[0], strings.TrimSpace(out))
		}
	}
	return nil
}

// WaitForIP polls the station interface for an IPv4 address.
func (m *Manager) WaitForIP(timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ip := IfaceIPv4(m.StaIface); ip != "" {
			return ip, true
		}
		time.Sleep(time.Second)
	}
	return "", false
}

// IfaceIPv4 returns the first IPv4 address of iface, or "".
func IfaceIPv4(iface string) string {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}

// Gateway4 parses `ip route show dev <iface>` for the default gateway.
func (m *Manager) Gateway4(iface string) string {
	out, err := m.Run("ip", "route", "show", "dev", iface)
	if err != nil {
		return ""
	}
	for _, ln := range strings.Split(out, "\n") {
		fields := strings.Fields(ln)
		if len(fields) >= 3 && fields[0] == "default" && fields[1] == "via" {
			return fields[2]
		}
	}
	return ""
}

// DNSServers lists nameservers from resolv.conf.
func DNSServers(resolvPath string) []string {
	if resolvPath == "" {
		resolvPath = "/etc/resolv.conf"
	}
	data, err := os.ReadFile(resolvPath)
	if err != nil {
		return nil
	}
	var out []string
	for _, ln := range strings.Split(string(data), "\n") {
		fields := strings.Fields(ln)
		if len(fields) >= 2 && fields[0] == "nameserver" {
			out = append(out, fields[1])
		}
	}
	return out
}

// APSSID derives the access-point SSID: a runtime override file wins,
// otherwise <prefix>_<last4 of the AP MAC>.
func (m *Manager) APSSID(prefix, overridePath string) string {
	if overridePath != "" {
		if data, err := os.ReadFile(overridePath); err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				return s
			}
		}
	}
	data, err := os.ReadFile("/sys/class/net/" + m.APIface + "/address")
	if err == nil {
		mac := strings.ReplaceAll(strings.TrimSpace(string(data)), ":", "")
		if len(mac) >= 4 {
			return prefix + "_" + strings.ToUpper(mac[len(mac)-4:])
		}
	}
	return prefix + "_####"
}
