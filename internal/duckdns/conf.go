// Package duckdns implements the dynamic-DNS updater: key=value config
// handling, an update client with a per-address-family verdict, and a
// directory-based lock that recovers from crashed holders.
package duckdns

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Conf is the persisted DuckDNS configuration: the account token and
// the comma-separated subdomain list (bare names, no ".duckdns.org").
type Conf struct {
	Token   string
	Domains []string
}

var confLine = regexp.MustCompile(`^([A-Za-z0-9_]+)\s*=\s*(.*)$`)

// ParseConf reads key=value lines, ignoring comments and blanks. Keys
// are case-insensitive; values may be single or double quoted.
func ParseConf(text string) Conf {
	kv := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		m := confLine.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		v := strings.TrimSpace(m[2])
		v = strings.Trim(v, `"'`)
		kv[strings.ToLower(m[1])] = v
	}
	return Conf{
		Token:   kv["token"],
		Domains: NormalizeDomains(kv["domains"]),
	}
}

// NormalizeDomains splits a CSV subdomain list and strips any trailing
// ".duckdns.org" suffix users tend to paste in.
func NormalizeDomains(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = strings.TrimSuffix(p, ".duckdns.org")
		out = append(out, p)
	}
	return out
}

// LoadConf reads the config file. A missing file is not an error; it
// returns an empty Conf.
func LoadConf(path string) (Conf, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Conf{}, nil
	}
	if err != nil {
		return Conf{}, err
	}
	return ParseConf(string(data)), nil
}

// SaveConf writes the config atomically with mode 0600; the token is a
// credential.
func SaveConf(path string, c Conf) error {
	content := fmt.Sprintf("token=%s\ndomains=%s\n",
		strings.TrimSpace(c.Token), strings.Join(c.Domains, ","))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Valid reports whether the config is complete enough to attempt an
// update.
func (c Conf) Valid() bool {
	return c.Token != "" && len(c.Domains) > 0
}
