package duckdns

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Family selects which address record an update refreshes. DuckDNS
// autodetects the source address, so v4/v6 updates differ only in which
// network the request rides on.
type Family string

const (
	FamilyV4 Family = "v4"
	FamilyV6 Family = "v6"
)

// Result is the verdict for one address family.
type Result struct {
	Family Family
	OK     bool
	Body   string
	Err    error
}

// Client updates DuckDNS records. The zero endpoint defaults to the
// public service; tests point it at a local server.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Logger   *logrus.Logger
}

func NewClient(endpoint string, timeout time.Duration, logger *logrus.Logger) *Client {
	if endpoint == "" {
		endpoint = "https://www.duckdns.org/update"
	}
	return &Client{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: timeout},
		Logger:   logger,
	}
}

// Update refreshes all domains for one address family. The remote
// answers a bare "OK" or "KO" body; anything else is treated as KO.
func (c *Client) Update(ctx context.Context, conf Conf, family Family) Result {
	res := Result{Family: family}

	q := url.Values{}
	q.Set("domains", strings.Join(conf.Domains, ","))
	q.Set("token", conf.Token)
	q.Set("ip", "") // empty: server uses the request's source address

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		res.Err = err
		return res
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		res.Err = err
		return res
	}
	res.Body = strings.TrimSpace(string(body))
	res.OK = resp.StatusCode == http.StatusOK && res.Body == "OK"

	c.Logger.WithFields(logrus.Fields{
		"family": family,
		"ok":     res.OK,
		"body":   res.Body,
	}).Info("duckdns update")
	return res
}

// UpdateAll runs updates for the requested families and reports whether
// every one succeeded.
func (c *Client) UpdateAll(ctx context.Context, conf Conf, families []Family) ([]Result, bool) {
	results := make([]Result, 0, len(families))
	allOK := true
	for _, f := range families {
		r := c.Update(ctx, conf, f)
		results = append(results, r)
		if !r.OK {
			allOK = false
		}
	}
	return results, allOK
}

// FormatLogLine renders one result the way the last-run log records it,
// e.g. "2026-08-23T10:00:00Z [duckdns] v4 OK".
func FormatLogLine(t time.Time, r Result) string {
	verdict := "KO"
	if r.OK {
		verdict = "OK"
	}
	return fmt.Sprintf("%s [duckdns] %s %s", t.UTC().Format(time.RFC3339), r.Family, verdict)
}
