package wifi

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// Markers fencing the block this program owns inside dhcpcd.conf.
// Everything outside the fence is left exactly as found.
const (
	blockBegin = "# BEGIN keuka-station managed block"
	blockEnd   = "# END keuka-station managed block"
)

// StaticConfig is the address plan written into the managed block.
type StaticConfig struct {
	Iface   string `json:"iface"`
	Address string `json:"address"` // CIDR, e.g. 192.168.1.50/24
	Gateway string `json:"gateway"`
	DNS     string `json:"dns"` // space-separated
}

func (c StaticConfig) validate() error {
	if c.Iface == "" {
		return fmt.Errorf("interface is required")
	}
	if _, err := netip.ParsePrefix(c.Address); err != nil {
		return fmt.Errorf("address must be CIDR notation: %w", err)
	}
	if _, err := netip.ParseAddr(c.Gateway); err != nil {
		return fmt.Errorf("invalid gateway: %w", err)
	}
	for _, d := range strings.Fields(c.DNS) {
		if _, err := netip.ParseAddr(d); err != nil {
			return fmt.Errorf("invalid dns server %q: %w", d, err)
		}
	}
	return nil
}

// SetStatic rewrites the managed block of dhcpcd.conf with a static
// address plan. The write is atomic (tmp + rename).
func SetStatic(confPath string, cfg StaticConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	block := []string{
		blockBegin,
		"interface " + cfg.Iface,
		"static ip_address=" + cfg.Address,
		"static routers=" + cfg.Gateway,
	}
	if cfg.DNS != "" {
		block = append(block, "static domain_name_servers="+cfg.DNS)
	}
	block = append(block, blockEnd)
	return rewriteBlock(confPath, block)
}

// SetDHCP removes the managed block, returning the interface to DHCP.
func SetDHCP(confPath string) error {
	return rewriteBlock(confPath, nil)
}

// CurrentStatic reports the managed block's plan, or ok=false when the
// interface is on DHCP.
func CurrentStatic(confPath string) (StaticConfig, bool) {
	data, err := os.ReadFile(confPath)
	if err != nil {
		return StaticConfig{}, false
	}
	var cfg StaticConfig
	inBlock := false
	for _, ln := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(ln)
		switch {
		case s == blockBegin:
			inBlock = true
		case s == blockEnd:
			return cfg, cfg.Iface != ""
		case inBlock && strings.HasPrefix(s, "interface "):
			cfg.Iface = strings.TrimSpace(strings.TrimPrefix(s, "interface "))
		case inBlock && strings.HasPrefix(s, "static ip_address="):
			cfg.Address = strings.TrimPrefix(s, "static ip_address=")
		case inBlock && strings.HasPrefix(s, "static routers="):
			cfg.Gateway = strings.TrimPrefix(s, "static routers=")
		case inBlock && strings.HasPrefix(s, "static domain_name_servers="):
			cfg.DNS = strings.TrimPrefix(s, "static domain_name_servers=")
		}
	}
	return StaticConfig{}, false
}

func rewriteBlock(confPath string, block []string) error {
	var existing string
	if data, err := os.ReadFile(confPath); err == nil {
		existing = string(data)
	} else if !os.IsNotExist(err) {
		return err
	}

	var kept []string
	inBlock := false
	for _, ln := range strings.Split(strings.TrimRight(existing, "\n"), "\n") {
		s := strings.TrimSpace(ln)
		if s == blockBegin {
			inBlock = true
			continue
		}
		if s == blockEnd {
			inBlock = false
			continue
		}
		if !inBlock {
			kept = append(kept, ln)
		}
	}
	// Drop the artifact of splitting an empty file.
	if len(kept) == 1 && kept[0] == "" {
		kept = nil
	}

	out := strings.Join(kept, "\n")
	if len(block) > 0 {
		if out != "" {
			out += "\n\n"
		}
		out += strings.Join(block, "\n")
	}
	if out != "" {
		out += "\n"
	}

	tmp := confPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, confPath)
}
