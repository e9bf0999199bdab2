package proxy

import (
	"io"
	stdhttp "net/http"
	"strings"

	"fluxgate/internal/platform/logger"
)

// hop-by-hop headers per RFC 2616 section 13.5.1, stripped in both
// directions
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// handlePassthrough forwards the request to the backend as-is, minus
// hop-by-hop headers. Content-Length is recomputed by the server from the
// copied body
func (s *Service) handlePassthrough(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	target := s.opt.Backend.BaseURL() + r.URL.RequestURI()

	req, err := stdhttp.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeJSON(w, stdhttp.StatusBadGateway, `{"error":"proxy: cannot build backend request"}`)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	resp, err := s.client.Do(req)
	if err != nil {
		logger.C(r.Context()).Warn().Err(err).Str("target", target).
			Msg("passthrough request failed")
		writeJSON(w, stdhttp.StatusServiceUnavailable,
			`{"error":"invalid response from backend, server might be busy"}`)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	// the copied body may differ in framing from the upstream response, let
	// the server recompute the length
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.C(r.Context()).Warn().Err(err).Msg("passthrough body copy interrupted")
	}
}

func copyHeaders(dst, src stdhttp.Header) {
	// headers named by Connection are hop-by-hop too
	dropped := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dropped[stdhttp.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}
	for _, name := range hopByHop {
		dropped[name] = true
	}
	for name, values := range src {
		if dropped[stdhttp.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
