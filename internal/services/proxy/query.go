package proxy

import (
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fluxgate/internal/core/tabular"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/metrics"
	pnet "fluxgate/internal/platform/net"
)

// handleQuery is the interception point. Every statement in the request runs
// through the corrector; if none of them needs correcting the whole request
// is forwarded verbatim, byte for byte. Otherwise the proxy executes the
// untouched statements itself and synthesizes one merged envelope
func (s *Service) handleQuery(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	defer metrics.ObserveStage("intercept", time.Now())

	params := r.URL.Query()
	user := params.Get("u")
	password := params.Get("p")
	schema := params.Get("db")
	precision := params.Get("epoch")

	statements := splitStatements(params["q"])
	if len(statements) == 0 {
		s.handlePassthrough(w, r)
		return
	}

	ctx := pnet.WithRequest(r.Context(), pnet.RequestID(r.Context()), schema)
	now := time.Now()

	corrected := make([]*tabular.Result, len(statements))
	any := false
	for i, stmt := range statements {
		if res := s.opt.Corrector.GetData(ctx, user, password, schema, stmt, now); res != nil {
			corrected[i] = res
			any = true
		}
	}
	if !any {
		s.handlePassthrough(w, r)
		return
	}

	// the corrector only answered some statements; run the rest ourselves so
	// the client still gets one envelope in statement order
	for i, stmt := range statements {
		if corrected[i] != nil {
			continue
		}
		results, err := s.opt.Backend.Query(ctx, user, password, schema, stmt)
		if err != nil {
			logger.C(ctx).Warn().Err(err).Str("query", stmt).
				Msg("companion statement failed, forwarding whole request")
			s.handlePassthrough(w, r)
			return
		}
		if len(results) > 0 {
			corrected[i] = results[0]
		} else {
			corrected[i] = &tabular.Result{}
		}
	}

	body := append(tabular.EncodeEnvelope(corrected, precision), '\n')
	reqID := r.Header.Get("Request-Id")
	if reqID == "" {
		reqID = r.Header.Get("X-Request-Id")
	}
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("Request-Id", reqID)
	w.Header().Set("X-Request-Id", reqID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(stdhttp.StatusOK)
	w.Write(body)
}

// splitStatements flattens repeated q parameters and splits multi-statement
// values on semicolons, dropping empties
func splitStatements(qs []string) []string {
	var out []string
	for _, q := range qs {
		for _, part := range strings.Split(q, ";") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
