package host

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tanlethanh/zedra/internal/logging"
)

// AdminHeader must be set on every admin request. A browser cannot add it to
// a cross-origin request without a preflight, and the API answers none.
const AdminHeader = "X-Zedra-Admin"

// AdminOptions configures the loopback admin API.
type AdminOptions struct {
	LogPath string
}

type pairingResponse struct {
	URI         string    `json:"uri"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
	QR          string    `json:"qr,omitempty"`
}

type deviceResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Fingerprint     string     `json:"fingerprint"`
	PairedAt        time.Time  `json:"paired_at"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
}

// AdminHandler returns the admin API. It only answers loopback clients that
// address it by a local name and send AdminHeader.
func (s *Server) AdminHandler(opts AdminOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(localOnly)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/pairing", s.handleIssuePairing)
		r.Get("/devices", s.handleListDevices)
		r.Delete("/devices/{id}", s.handleRevokeDevice)
		r.Get("/audit", s.handleAudit)
		r.Get("/logs", func(w http.ResponseWriter, r *http.Request) {
			lines := 100
			if n, err := strconv.Atoi(r.URL.Query().Get("lines")); err == nil && n > 0 {
				lines = min(n, 5000)
			}
			out, err := logging.ReadTail(opts.LogPath, lines)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte(out))
		})
	})
	return r
}

func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocal(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "admin API is local only")
			return
		}
		// A loopback peer can still be a browser on a rebound DNS name.
		if !isLocal(r.Host) {
			writeError(w, http.StatusForbidden, "admin API must be addressed as localhost")
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" {
			if u, err := url.Parse(origin); err != nil || !isLocal(u.Host) {
				writeError(w, http.StatusForbidden, "cross-origin admin requests are not allowed")
				return
			}
		}
		if r.Header.Get(AdminHeader) == "" {
			writeError(w, http.StatusForbidden, "missing "+AdminHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLocal reports whether hostport names this machine: localhost or a
// loopback address, with or without a port.
func isLocal(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"fingerprint": s.fingerprint,
		"connections": s.ActiveConnections(),
	})
}

func (s *Server) handleIssuePairing(w http.ResponseWriter, r *http.Request) {
	p, err := s.IssuePairing()
	if err != nil {
		s.log.Error().Err(err).Msg("issue pairing")
		writeError(w, http.StatusInternalServerError, "Failed to issue pairing token")
		return
	}
	resp := pairingResponse{
		URI:         p.URI(),
		Host:        p.Host,
		Port:        p.Port,
		Fingerprint: p.Fingerprint,
		ExpiresAt:   p.Expires,
	}
	if r.URL.Query().Get("qr") == "true" {
		qr, err := RenderQR(resp.URI)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.QR = qr
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.Devices.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}
	out := make([]deviceResponse, 0, len(devs))
	for _, d := range devs {
		out = append(out, deviceResponse{
			ID:              d.ID,
			Name:            d.Name,
			Fingerprint:     d.Fingerprint,
			PairedAt:        d.PairedAt,
			LastConnectedAt: d.LastConnectedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	err := s.RevokeDevice(chi.URLParam(r, "id"))
	if errors.Is(err, ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := AuditQuery{
		EventType: r.URL.Query().Get("event_type"),
		DeviceID:  r.URL.Query().Get("device_id"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		q.Limit = limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		q.Offset = offset
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since, expected RFC3339")
			return
		}
		q.Since = &since
	}
	res, err := s.Audit.Query(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
