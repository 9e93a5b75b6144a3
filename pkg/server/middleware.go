package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"resumevault/pkg/auth"
	"resumevault/pkg/errs"
)

// -----------------------------------------------------------------------------
// 1. Request logging
// -----------------------------------------------------------------------------

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *loggingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.Status(),
			"bytes", rw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		if r.Pattern != "" {
			fields = append(fields, "route", r.Pattern)
		}

		if rw.Status() >= 500 {
			s.log().Error("request complete", fields...)
			return
		}
		s.log().Info("request complete", fields...)
	})
}

// -----------------------------------------------------------------------------
// 2. Recovery
// -----------------------------------------------------------------------------

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			s.log().Error("panic recovered",
				"panic", p,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()))
			s.writeError(w, r, http.StatusInternalServerError, "internal", ErrCodeInternal, fmt.Errorf("panic: %v", p))
		}()
		next.ServeHTTP(w, r)
	})
}

// -----------------------------------------------------------------------------
// 3. Authentication
// -----------------------------------------------------------------------------

type authContextKey struct{}

type authState struct {
	caller *auth.Caller
	token  string
	err    error
}

// withAuth 解析 bearer 令牌，结果放进 context。是否必须登录由具体路由决定
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		state := authState{token: token}
		if token != "" {
			state.caller, state.err = s.deps.Auth.Authenticate(r.Context(), token)
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, state)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authFromContext(ctx context.Context) authState {
	state, _ := ctx.Value(authContextKey{}).(authState)
	return state
}

// optionalCaller 匿名返回 nil；带了无效令牌返回错误
func optionalCaller(r *http.Request) (*auth.Caller, error) {
	state := authFromContext(r.Context())
	if state.err != nil {
		if errors.Is(state.err, errs.ErrUnauthorized) {
			return nil, state.err
		}
		return nil, errs.Storage(errs.StageReceived, "authenticate", state.err)
	}
	return state.caller, nil
}

func (s *Server) requireCaller(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := optionalCaller(r)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if !caller.Valid() {
			s.writeServiceError(w, r, errs.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireCaller(func(w http.ResponseWriter, r *http.Request) {
		if !authFromContext(r.Context()).caller.IsAdmin() {
			s.writeError(w, r, http.StatusForbidden, "forbidden", ErrCodeForbidden, errors.New("admin role required"))
			return
		}
		next(w, r)
	})
}
