// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package frontend is the mitigation node's TLS/HTTP front end: an
// admission-gated listener, WAF and sandbox request inspection, and
// reverse-proxying to the protected upstream.
//
// The reverse-proxy director customization (clearing Host, setting
// X-Forwarded-For) is built by hand around httputil.ReverseProxy
// rather than through a framework.
package frontend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aegismesh/aegis/internal/admission"
	aegiserrors "github.com/aegismesh/aegis/internal/errors"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/metrics"
	"github.com/aegismesh/aegis/internal/proto"
	"github.com/aegismesh/aegis/internal/sandbox"
	"github.com/aegismesh/aegis/internal/waf"

	"github.com/aegismesh/aegis/internal/bus"
)

// maxBodyPreview bounds how much of a request body is read for WAF/sandbox
// inspection and SecurityEvent.body preview purposes.
const maxBodyPreview = 64 * 1024

const blockedBody = `{"error":"request blocked"}`

// Config controls one front-end listener.
type Config struct {
	ListenAddr string
	UpstreamURL string
	CertFile string // empty disables TLS (plain HTTP)
	KeyFile string
	NodeID string
	SandboxModule string // empty disables the sandbox inspection stage
	RequestTimeout time.Duration
}

// Server is the mitigation node's TLS/HTTP front end.
type Server struct {
	cfg Config
	ctrl *admission.Controller
	waf *waf.Engine
	sandbox *sandbox.Engine
	bus bus.Publisher
	logger *logging.Logger
	proxy *httputil.ReverseProxy
	metrics *metrics.Registry

	tlsErrors atomic.Uint64
}

// SetMetrics attaches a metrics registry the server increments its
// per-request counters on. Optional; a nil registry (the default) simply
// skips metric updates.
func (s *Server) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// New returns a Server proxying to cfg.UpstreamURL, gated by ctrl and waf,
// optionally also by a loaded sandbox module.
func New(cfg Config, ctrl *admission.Controller, wafEngine *waf.Engine, sandboxEngine *sandbox.Engine, pub bus.Publisher, logger *logging.Logger) (*Server, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindConfiguration, "parse upstream url %q", cfg.UpstreamURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(r *http.Request) {
		originalDirector(r)
		r.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
	}

	return &Server{
		cfg: cfg,
		ctrl: ctrl,
		waf: wafEngine,
		sandbox: sandboxEngine,
		bus: pub,
		logger: logger,
		proxy: proxy,
	}, nil
}

// Serve blocks accepting connections on cfg.ListenAddr until ctx is
// canceled. Every accepted connection is gated by the admission
// controller before TLS/HTTP parsing ever begins.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindNetworkIO, "listen on %s", s.cfg.ListenAddr)
	}
	gated := &admissionListener{Listener: ln, ctrl: s.ctrl, logger: s.logger, metrics: s.metrics}

	httpServer := &http.Server{
		Handler: http.HandlerFunc(s.handle),
		ReadTimeout: s.cfg.RequestTimeout,
		WriteTimeout: s.cfg.RequestTimeout,
	}

	if s.cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return aegiserrors.Wrapf(err, aegiserrors.KindConfiguration, "load TLS certificate")
		}
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion: tls.VersionTLS12,
		}
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	if s.cfg.CertFile != "" {
		tlsListener := tls.NewListener(gated, httpServer.TLSConfig)
		err = httpServer.Serve(tlsListener)
	} else {
		err = httpServer.Serve(gated)
	}
	if err != nil && err != http.ErrServerClosed {
		return aegiserrors.Wrapf(err, aegiserrors.KindNetworkIO, "front-end server")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle runs the per-request pipeline: WAF, then the
// sandboxed rule, then upstream proxying, publishing exactly one
// SecurityEvent per request and a TelemetryEvent only when the response
// is >=400 or the request was blocked.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}

	bodyPreview, body, err := readBodyPreview(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	inspectURI := decodedRequestURI(r.URL)
	wafResult, _ := s.waf.Inspect(inspectURI, headers, bodyPreview)
	blocked := wafResult != waf.NoMatch

	if !blocked && s.sandbox != nil && s.cfg.SandboxModule != "" {
		action, err := s.sandbox.Inspect(r.Context(), s.cfg.SandboxModule, sandbox.RequestContext{
			Method: r.Method,
			URI: inspectURI,
			Version: r.Proto,
			SourceIP: clientIP,
			BodyPreview: bodyPreview,
		})
		// Any sandbox execution error (timeout, trap, invalid return value)
		// fails closed: treated the same as an explicit Block.
		if err != nil || action == sandbox.ActionBlock || action == sandbox.ActionRateLimit {
			blocked = true
		}
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	if blocked {
		rec.Header().Set("Content-Type", "application/json")
		rec.WriteHeader(http.StatusForbidden)
		_, _ = rec.Write([]byte(blockedBody))
	} else {
		r.Header.Del("Host")
		r.Header.Set("X-Forwarded-For", clientIP)
		s.proxy.ServeHTTP(rec, r)
	}

	if s.metrics != nil {
		s.metrics.RequestsTotal.Inc()
		if blocked {
			s.metrics.RequestsBlocked.Inc()
		}
	}

	s.publishEvents(r, clientIP, wafResult, rec.status, blocked, start)
}

func (s *Server) publishEvents(r *http.Request, clientIP string, wafResult waf.Result, status int, blocked bool, start time.Time) {
	ctx := context.Background()
	now := time.Now()

	ev := proto.SecurityEvent{
		NodeID: s.cfg.NodeID,
		Timestamp: now,
		SourceIP: clientIP,
		Method: r.Method,
		URI: r.URL.RequestURI(),
		Host: r.Host,
		UserAgent: r.UserAgent(),
		WafResult: string(wafResult),
		RequestSize: r.ContentLength,
		ResponseCode: status,
		ProcessingMs: float64(now.Sub(start).Microseconds()) / 1000.0,
	}
	if payload, err := json.Marshal(ev); err == nil {
		if err := s.bus.Publish(ctx, bus.TopicSecurityEvents, payload); err != nil && s.logger != nil {
			s.logger.Debug("frontend: publish security event failed", "error", err)
		}
	}

	if status >= 400 || blocked {
		tev := proto.TelemetryEvent{
			NodeID: s.cfg.NodeID,
			SourceIP: clientIP,
			URI: r.URL.RequestURI(),
			StatusCode: status,
			Timestamp: now,
			Method: r.Method,
			UserAgent: r.UserAgent(),
		}
		if payload, err := json.Marshal(tev); err == nil {
			if err := s.bus.Publish(ctx, bus.TelemetryTopic(s.cfg.NodeID), payload); err != nil && s.logger != nil {
				s.logger.Debug("frontend: publish telemetry event failed", "error", err)
			}
		}
	}
}

// decodedRequestURI returns u's path and query percent-decoded, so WAF
// signatures match the literal payload an attacker sent rather than its
// wire encoding (e.g. "admin' OR 1=1--" instead of "admin%27%20OR...").
func decodedRequestURI(u *url.URL) string {
	decoded := u.Path
	if u.RawQuery == "" {
		return decoded
	}
	if query, err := url.QueryUnescape(u.RawQuery); err == nil {
		decoded += "?" + query
	} else {
		decoded += "?" + u.RawQuery
	}
	return decoded
}

func readBodyPreview(r io.Reader) (string, []byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyPreview))
	if err != nil {
		return "", nil, err
	}
	return string(body), body, nil
}

// admissionListener wraps a net.Listener, gating every accepted
// connection through an admission.Controller before it is ever handed to
// TLS/HTTP parsing. A rejected connection is closed immediately rather
// than answered, to shed load with minimum work.
type admissionListener struct {
	net.Listener
	ctrl *admission.Controller
	logger *logging.Logger
	metrics *metrics.Registry
}

func (l *admissionListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		addr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			_ = conn.Close()
			continue
		}
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			_ = conn.Close()
			continue
		}
		ip = ip.Unmap()

		decision := l.ctrl.Check(ip)
		if decision != admission.Allow {
			if l.metrics != nil {
				l.metrics.AdmissionRejected.WithLabelValues(decision.String()).Inc()
			}
			_ = conn.Close()
			continue
		}
		if l.metrics != nil {
			l.metrics.AdmissionAccepted.Inc()
		}

		return &releasingConn{Conn: conn, ctrl: l.ctrl, ip: ip}, nil
	}
}

// releasingConn decrements the admission controller's per-IP/global
// counters exactly once when the connection closes.
type releasingConn struct {
	net.Conn
	ctrl *admission.Controller
	ip netip.Addr
	released atomic.Bool
}

func (c *releasingConn) Close() error {
	if c.released.CompareAndSwap(false, true) {
		c.ctrl.Release(c.ip)
	}
	return c.Conn.Close()
}
