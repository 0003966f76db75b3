// Package wan tracks the station's public IPv4 address. The last seen
// address and the time it changed are persisted so the admin page can
// show how long the current address has been stable.
package wan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Well-known echo services, tried in order.
var DefaultProbeURLs = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
	"https://icanhazip.com",
}

// Status is the persisted WAN tracking record.
type Status struct {
	IP        string `json:"ip"`
	ChangedAt string `json:"changed_at"`
	CheckedAt string `json:"checked_at"`
}

// Tracker fetches and persists the public address.
type Tracker struct {
	Path      string
	ProbeURLs []string
	Client    *http.Client
	Logger    *logrus.Logger
}

func NewTracker(path string, logger *logrus.Logger) *Tracker {
	return &Tracker{
		Path:      path,
		ProbeURLs: DefaultProbeURLs,
		Client:    &http.Client{Timeout: 10 * time.Second},
		Logger:    logger,
	}
}

// PublicIP queries the probe services until one returns a valid IPv4
// address.
func (t *Tracker) PublicIP(ctx context.Context) (string, error) {
	for _, url := range t.ProbeURLs {
		ip, err := t.fetchOne(ctx, url)
		if err != nil {
			t.Logger.WithError(err).WithField("service", url).Debug("public IP probe failed")
			continue
		}
		return ip, nil
	}
	return "", errors.New("all public IP services failed")
}

func (t *Tracker) fetchOne(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("invalid address %q from %s", ip, url)
	}
	return ip, nil
}

// Check fetches the public IP and updates the persisted record.
// ChangedAt only moves when the address actually changed.
func (t *Tracker) Check(ctx context.Context) (Status, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	prev := t.load()
	ip, err := t.PublicIP(ctx)
	if err != nil {
		return prev, err
	}

	cur := Status{IP: ip, ChangedAt: prev.ChangedAt, CheckedAt: now}
	if ip != prev.IP || prev.ChangedAt == "" {
		cur.ChangedAt = now
		if prev.IP != "" {
			t.Logger.WithFields(logrus.Fields{"old": prev.IP, "new": ip}).Info("public IP changed")
		}
	}
	if err := t.save(cur); err != nil {
		return cur, err
	}
	return cur, nil
}

// Last returns the persisted record without probing the network.
func (t *Tracker) Last() Status {
	return t.load()
}

func (t *Tracker) load() Status {
	var s Status
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return s
	}
	_ = json.Unmarshal(data, &s)
	return s
}

func (t *Tracker) save(s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.Path), 0755); err != nil {
		return err
	}
	tmp := t.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, t.Path)
}
