package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"relaybot/internal/domain"
)

// maxBodyBytes bounds REST request bodies.
const maxBodyBytes = 1 << 20

// RegisterRESTHandlers exposes the RPC methods over HTTP. Each route maps an
// HTTP verb to an RPC method; the request body (or, for GET, the query
// string) is the RPC payload. Plugin routes under /plugins/ bypass gateway
// auth and are dispatched to the plugin host.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHTTPRoute("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	s.RegisterHTTPRoute("/api/config", restRPC(s, map[string]string{
		http.MethodGet:   "config.get",
		http.MethodPut:   "config.set",
		http.MethodPatch: "config.patch",
	}))
	s.RegisterHTTPRoute("/api/config/schema", restRPC(s, map[string]string{http.MethodGet: "config.schema"}))
	s.RegisterHTTPRoute("/api/plugins", restRPC(s, map[string]string{http.MethodGet: "plugins.list"}))
	s.RegisterHTTPRoute("/api/tools", restRPC(s, map[string]string{
		http.MethodGet:  "tools.list",
		http.MethodPost: "tools.invoke",
	}))
	s.RegisterHTTPRoute("/api/channels/status", restRPC(s, map[string]string{http.MethodGet: "channels.status"}))
	s.RegisterHTTPRoute("/api/channels/send", restRPC(s, map[string]string{http.MethodPost: "channels.send"}))
	s.RegisterHTTPRoute("/api/channels/start", restRPC(s, map[string]string{http.MethodPost: "channels.start"}))
	s.RegisterHTTPRoute("/api/channels/stop", restRPC(s, map[string]string{http.MethodPost: "channels.stop"}))

	if s.metrics != nil {
		s.RegisterHTTPRoute("/metrics", s.authenticated(s.metrics.Handler()))
	}
	if deps.Host != nil {
		s.RegisterHTTPRoute("/plugins/", deps.Host)
	}
}

// authenticated rejects requests without a valid gateway token.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Authenticate(tokenFromRequest(r)); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func restRPC(s *Server, methods map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, ok := methods[r.Method]
		if !ok {
			w.Header().Set("Allow", allowHeader(methods))
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		client, err := s.auth.Authenticate(tokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}

		var payload json.RawMessage
		if r.Method == http.MethodGet {
			payload, err = queryPayload(r.URL.Query())
		} else {
			payload, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		}
		if err != nil {
			writeError(w, errors.Join(domain.ErrRPCInvalidPayload, err))
			return
		}

		result, err := s.Call(r.Context(), client, method, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result)
	})
}

// queryPayload turns query parameters into a JSON object. true, false and
// integers are decoded; everything else stays a string. The token parameter
// is dropped.
func queryPayload(q url.Values) (json.RawMessage, error) {
	obj := make(map[string]any, len(q))
	for key, values := range q {
		if key == "token" || len(values) == 0 {
			continue
		}
		v := values[0]
		if v == "true" || v == "false" {
			obj[key] = v == "true"
		} else if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			obj[key] = n
		} else {
			obj[key] = v
		}
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return json.Marshal(obj)
}

func allowHeader(methods map[string]string) string {
	out := ""
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch} {
		if _, ok := methods[m]; ok {
			if out != "" {
				out += ", "
			}
			out += m
		}
	}
	return out
}

// httpStatus maps an error code to the HTTP status of the REST surface.
func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidRequest, domain.CodeRPCInvalidPayload, domain.CodeInvalidInput, domain.CodeConfigInvalid:
		return http.StatusBadRequest
	case domain.CodeGatewayAuth, domain.CodeAuthInvalid:
		return http.StatusUnauthorized
	case domain.CodeForbidden, domain.CodePermissionDenied, domain.CodePluginPermission:
		return http.StatusForbidden
	case domain.CodeNotFound, domain.CodeRPCMethodNotFound, domain.CodeChannelUnknown,
		domain.CodePluginNotFound, domain.CodeChannelNotFound, domain.CodeAccountNotFound:
		return http.StatusNotFound
	case domain.CodeConflict, domain.CodeConfigConflict, domain.CodeDisabled:
		return http.StatusConflict
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case domain.CodeTimeout, domain.CodeProbeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	writeJSON(w, httpStatus(body.Code), map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
