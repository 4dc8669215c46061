package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tanlethanh/zedra/internal/config"
	"github.com/tanlethanh/zedra/internal/host"
)

// errDaemonDown means no daemon answered on the admin address.
var errDaemonDown = errors.New("host daemon not running")

var adminClient = &http.Client{Timeout: 5 * time.Second}

// adminAddr turns a listen address into one the admin API answers on: a
// wildcard or empty host becomes the loopback address.
func adminAddr(listen string) string {
	h, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(h); h == "" || (ip != nil && ip.IsUnspecified()) {
		if ip != nil && ip.To4() == nil {
			return net.JoinHostPort("::1", port)
		}
		return net.JoinHostPort("127.0.0.1", port)
	}
	return listen
}

// adminCall sends a request to the running daemon's admin API and decodes a
// JSON reply into out when out is non-nil.
func adminCall(ctx context.Context, method, path string, query url.Values, out any) error {
	u := url.URL{Scheme: "http", Host: adminAddr(config.Cfg.HostAdminListen), Path: "/api/v1" + path, RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set(host.AdminHeader, "1")
	resp, err := adminClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errDaemonDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Detail != "" {
			return fmt.Errorf("admin API: %s", apiErr.Detail)
		}
		return fmt.Errorf("admin API: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
