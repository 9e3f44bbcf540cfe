package server

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"deploygate/internal/policy"
	"deploygate/internal/ratelimit"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxIdentity
)

// Identity headers, set by the authenticating proxy in front of this
// service. Token validation happened there; these are trusted inputs.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
	HeaderActorMail = "X-Actor-Email"
	HeaderRequestID = "X-Request-Id"
)

var requestIDRx = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// requestID echoes a well-formed client request id or mints one, and
// reflects it on the response so every error is traceable.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !requestIDRx.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

// identity lifts the proxy's actor headers into the request context.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := policy.Identity{
			ActorID: r.Header.Get(HeaderActorID),
			Role:    r.Header.Get(HeaderActorRole),
			Email:   r.Header.Get(HeaderActorMail),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxIdentity, ident)))
	})
}

// accessLog emits one structured line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"actor", identityFrom(r.Context()).ActorID,
				"request_id", requestIDFrom(r.Context()),
				"duration_ms", time.Since(start).Milliseconds())
		}()

		next.ServeHTTP(ww, r)
	})
}

// readLimit applies the read-class budget. The mutate-class budget is
// enforced inside the policy gate sequence, after idempotency, so it is
// not applied here.
func (s *Server) readLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := identityFrom(r.Context()).ActorID
		if client == "" {
			client = r.RemoteAddr
		}
		if !s.limiter.Allow(client, ratelimit.ClassRead) {
			s.writeError(w, r, policy.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

func identityFrom(ctx context.Context) policy.Identity {
	ident, _ := ctx.Value(ctxIdentity).(policy.Identity)
	return ident
}
