package wifi

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iwLinkOutput = `Connected to aa:bb:cc:dd:ee:ff (on wlan0)
	SSID: LakeHouse
	freq: 2437
	RX: 123456 bytes (789 packets)
	TX: 654321 bytes (456 packets)
	signal: -58 dBm
	tx bitrate: 72.2 MBit/s
`

func TestParseLink(t *testing.T) {
	st := parseLink("wlan0", iwLinkOutput)
	assert.True(t, st.Connected)
	assert.Equal(t, "LakeHouse", st.SSID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", st.BSSID)
	assert.Equal(t, -58, st.SignalDBM)
	assert.Equal(t, 2437, st.FreqMHz)
	assert.Equal(t, "72.2 MBit/s", st.TxBitrate)
}

func TestParseLinkNotConnected(t *testing.T) {
	st := parseLink("wlan0", "Not connected.\n")
	assert.False(t, st.Connected)
	assert.Empty(t, st.SSID)
}

func TestParseScanResults(t *testing.T) {
	out := "bssid / frequency / signal level / flags / ssid\n" +
		"aa:bb:cc:dd:ee:01\t2412\t-45\t[WPA2-PSK-CCMP][ESS]\tLakeHouse\n" +
		"aa:bb:cc:dd:ee:02\t5180\t-70\t[ESS]\tGuestNet\n" +
		"aa:bb:cc:dd:ee:03\t2462\t-80\t[WPA2-PSK-CCMP][ESS]\t\n" // hidden, skipped

	nets := parseScanResults(out)
	require.Len(t, nets, 2)
	assert.Equal(t, "LakeHouse", nets[0].SSID)
	assert.True(t, nets[0].Secured)
	assert.Equal(t, -45, nets[0].SignalDBM)
	assert.Equal(t, 2412, nets[0].FreqMHz)
	assert.Equal(t, "GuestNet", nets[1].SSID)
	assert.False(t, nets[1].Secured)
}

func TestScan(t *testing.T) {
	scanOutput := "bssid / frequency / signal level / flags / ssid\n" +
		"aa:bb:cc:dd:ee:01\t2412\t-45\t[WPA2-PSK-CCMP][ESS]\tLakeHouse\n"

	tests := []struct {
		name       string
		triggerErr error
		resultsErr error
		wantErr    bool
		wantSSIDs  []string
	}{
		{"networks found", nil, nil, false, []string{"LakeHouse"}},
		{"scan trigger fails", errors.New("iface down"), nil, true, nil},
		{"scan_results fails", nil, errors.New("wpa_supplicant gone"), true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls [][]string
			m := &Manager{StaIface: "wlan0", Run: func(name string, args ...string) (string, error) {
				calls = append(calls, append([]string{name}, args...))
				if len(args) >= 3 && args[2] == "scan" {
					return "OK\n", tt.triggerErr
				}
				return scanOutput, tt.resultsErr
			}}

			nets, err := m.Scan()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var ssids []string
			for _, n := range nets {
				ssids = append(ssids, n.SSID)
			}
			assert.Equal(t, tt.wantSSIDs, ssids)
			require.Len(t, calls, 2)
			assert.Equal(t, []string{"wpa_cli", "-i", "wlan0", "scan"}, calls[0])
			assert.Equal(t, []string{"wpa_cli", "-i", "wlan0", "scan_results"}, calls[1])
		})
	}
}

func TestJoinIssuesWpaCliSequence(t *testing.T) {
	var calls [][]string
	m := &Manager{StaIface: "wlan0", Run: func(name string, args ...string) (string, error) {
		calls = append(calls, append([]string{name}, args...))
		if len(args) >= 3 && args[2] == "add_network" {
			return "3\n", nil
		}
		return "OK\n", nil
	}}

	require.NoError(t, m.Join("LakeHouse", "hunter22"))

	// add_network, set ssid, set psk, enable, select, save_config.
	require.Len(t, calls, 6)
	assert.Equal(t, []string{"wpa_cli", "-i", "wlan0", "add_network"}, calls[0])
	assert.Equal(t, []string{"wpa_cli", "-i", "wlan0", "set_network", "3", "ssid", `"LakeHouse"`}, calls[1])
	assert.Equal(t, []string{"wpa_cli", "-i", "wlan0", "set_network", "3", "psk", `"hunter22"`}, calls[2])
	assert.Equal(t, "save_config", calls[5][3])
}

func TestJoinOpenNetworkUsesKeyMgmtNone(t *testing.T) {
	var calls [][]string
	m := &Manager{StaIface: "wlan0", Run: func(name string, args ...string) (string, error) {
		calls = append(calls, append([]string{name}, args...))
		if len(args) >= 3 && args[2] == "add_network" {
			return "0\n", nil
		}
		return "OK\n", nil
	}}

	require.NoError(t, m.Join("OpenNet", ""))
	assert.Equal(t, []string{"wpa_cli", "-i", "wlan0", "set_network", "0", "key_mgmt", "NONE"}, calls[2])
}

func TestJoinFailures(t *testing.T) {
	m := &Manager{StaIface: "wlan0", Run: func(name string, args ...string) (string, error) {
		return "FAIL\n", nil
	}}
	assert.Error(t, m.Join("x", "y"))

	m.Run = func(name string, args ...string) (string, error) {
		return "", errors.New("wpa_supplicant not running")
	}
	assert.Error(t, m.Join("x", "y"))

	assert.Error(t, m.Join("", "psk"))
}

func TestGateway4(t *testing.T) {
	m := &Manager{StaIface: "wlan0", Run: func(name string, args ...string) (string, error) {
		return "default via 192.168.1.1 proto dhcp src 192.168.1.50 metric 302\n" +
			"192.168.1.0/24 proto dhcp scope link src 192.168.1.50\n", nil
	}}
	assert.Equal(t, "192.168.1.1", m.Gateway4("wlan0"))

	m.Run = func(name string, args ...string) (string, error) { return "", errors.New("no iface") }
	assert.Empty(t, m.Gateway4("wlan0"))
}

func TestDNSServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(
		"# Generated by dhcpcd\nnameserver 192.168.1.1\nnameserver 8.8.8.8\nsearch lan\n"), 0644))

	assert.Equal(t, []string{"192.168.1.1", "8.8.8.8"}, DNSServers(path))
	assert.Nil(t, DNSServers(filepath.Join(t.TempDir(), "missing")))
}

func TestAPSSIDOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ap_ssid")
	require.NoError(t, os.WriteFile(path, []byte("keuka_CAFE\n"), 0644))

	m := &Manager{APIface: "uap0"}
	assert.Equal(t, "keuka_CAFE", m.APSSID("keuka", path))

	// No override and no such interface: placeholder suffix.
	assert.Equal(t, "keuka_####", m.APSSID("keuka", filepath.Join(t.TempDir(), "missing")))
}
