// Package server is the composition root: it wires a transport, a
// shared cache, and the hostname registrar together, and hands out
// browsers, resolvers, and providers built against that shared state
// (spec §9's shared-ownership model), supervising everything with an
// errgroup the way the teacher's cmd/ entrypoints supervise their own
// goroutine-per-service workers.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/browser"
	"github.com/lanbeacon/beacon/cache"
	"github.com/lanbeacon/beacon/hostname"
	"github.com/lanbeacon/beacon/internal/security"
	"github.com/lanbeacon/beacon/provider"
	"github.com/lanbeacon/beacon/resolver"
	"github.com/lanbeacon/beacon/transport"
)

// Server is the top-level handle an application holds: one shared
// transport, one shared cache, one hostname registration, and however
// many browsers/resolvers/providers it starts on top of them.
type Server struct {
	cfg   beacon.Config
	tr    transport.Transport
	cache *cache.Cache
	host  *hostname.Registrar
	log   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	browsers  []*browser.Browser
	resolvers []*resolver.Resolver
	providers []*provider.Provider
	closed    bool
}

// rateLimitedTransport wraps a transport.Transport so every subscriber
// sees inbound messages filtered through a shared per-source limiter,
// without requiring the underlying transport to know about rate
// limiting at all.
type rateLimitedTransport struct {
	transport.Transport
	limiter *security.RateLimiter
}

func (t *rateLimitedTransport) Subscribe(l transport.Listener) func() {
	return t.Transport.Subscribe(security.FilteringListener{Limiter: t.limiter, Next: l})
}

// New starts a Server bound to localName's host identity, backed by a
// real dual-stack multicast transport. ifaces, if nil, is resolved by
// the transport via netiface.Default.
func New(localName string, ifaces []net.Interface, opts ...beacon.Option) (*Server, error) {
	cfg := beacon.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	tr, err := transport.NewUDPTransport(ifaces, log)
	if err != nil {
		return nil, err
	}
	return newServer(tr, cfg, localName, ifaceLister(ifaces), log), nil
}

// newServer is the transport-agnostic composition root, split out from
// New so tests can supply a transport.MockTransport instead of binding
// real sockets.
func newServer(tr transport.Transport, cfg beacon.Config, localName string, ifaces func() ([]net.Interface, error), log *logrus.Entry) *Server {
	var wrapped transport.Transport = tr
	if cfg.RateLimit > 0 {
		wrapped = &rateLimitedTransport{
			Transport: tr,
			limiter:   security.NewRateLimiter(cfg.RateLimit, defaultCooldown, defaultMaxSources),
		}
	}

	c := cache.New(log)

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	s := &Server{
		cfg:    cfg,
		tr:     wrapped,
		cache:  c,
		log:    log,
		ctx:    gctx,
		cancel: cancel,
		group:  group,
	}

	s.host = hostname.New(wrapped, localName, cfg.ProbeTimeout, cfg.RebroadcastInterval, cfg.DefaultRecordTTL, ifaces, log)
	s.host.Start(gctx)

	unsubErrors := wrapped.Subscribe(transport.ListenerFuncs{
		OnError: func(err error) { log.WithError(err).Warn("transport error") },
	})
	group.Go(func() error {
		<-gctx.Done()
		unsubErrors()
		return nil
	})

	return s
}

const (
	defaultCooldown   = 60 * time.Second
	defaultMaxSources = 10000
)

func ifaceLister(ifaces []net.Interface) func() ([]net.Interface, error) {
	return func() ([]net.Interface, error) {
		if len(ifaces) > 0 {
			return ifaces, nil
		}
		return net.Interfaces()
	}
}

// Hostname returns the currently registered "*.local." name, or "" if
// probing hasn't completed.
func (s *Server) Hostname() string {
	return s.host.CurrentName()
}

// Cache returns the shared record cache, for callers that want to
// build their own component against it.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Browse starts a Browser for serviceType against the server's shared
// transport and cache.
func (s *Server) Browse(serviceType string) *browser.Browser {
	b := browser.New(s.tr, s.cache, serviceType, s.cfg.QueryInterval, s.cfg.ServiceCoalesceWindow, s.log)
	b.Start(s.ctx)

	s.mu.Lock()
	s.browsers = append(s.browsers, b)
	s.mu.Unlock()
	return b
}

// Resolve starts a Resolver for name against the server's shared
// transport and cache.
func (s *Server) Resolve(name string) *resolver.Resolver {
	r := resolver.New(s.tr, s.cache, name, s.log)
	r.Start(s.ctx)

	s.mu.Lock()
	s.resolvers = append(s.resolvers, r)
	s.mu.Unlock()
	return r
}

// Advertise starts a Provider for service. The provider only begins
// probing once the hostname registrar reaches StateRegistered.
func (s *Server) Advertise(service beacon.Service) (*provider.Provider, error) {
	p := provider.New(s.tr, s.host, uint32(s.cfg.DefaultRecordTTL.Seconds()), s.cfg.ProbeTimeout, s.log)
	p.Start(s.ctx)
	if err := p.Update(s.ctx, service); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.providers = append(s.providers, p)
	s.mu.Unlock()
	return p, nil
}

// Close withdraws every advertised service, stops every browser and
// resolver, and closes the transport.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	providers := s.providers
	browsers := s.browsers
	resolvers := s.resolvers
	s.mu.Unlock()

	for _, p := range providers {
		p.Withdraw(s.ctx)
		p.Stop()
	}
	for _, b := range browsers {
		b.Stop()
	}
	for _, r := range resolvers {
		r.Stop()
	}
	s.host.Stop()
	s.cache.Close()

	s.cancel()
	_ = s.group.Wait()

	return s.tr.Close()
}
