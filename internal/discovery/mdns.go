// Package discovery announces a ledger node over mDNS and browses for other
// nodes on the LAN. The announcement carries the node's identity and
// settings as TXT records so operators and mklctl can find an API without
// configuration.
package discovery

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// DefaultService is the mDNS service type ledger nodes register under.
const DefaultService = "_mkl._tcp"

const domain = "local."

// Service registers the local node and tracks the peers it sees.
type Service struct {
	service string
	logger  *zap.Logger
	peers   *PeerStore

	mu     sync.Mutex
	server *zeroconf.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a discovery service for the given mDNS service type.
func NewService(service string, logger *zap.Logger) *Service {
	if service == "" {
		service = DefaultService
	}
	return &Service{
		service: service,
		logger:  logger.Named("discovery"),
		peers:   NewPeerStore(),
	}
}

// Start announces the node on port and browses for peers until ctx ends or
// Stop is called. An empty instance defaults to the hostname.
func (s *Service) Start(ctx context.Context, instance string, port int, txt []string) error {
	if instance == "" {
		instance, _ = os.Hostname()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	server, err := zeroconf.Register(instance, s.service, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.server = server
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, s.service, domain, entries); err != nil {
		cancel()
		server.Shutdown()
		return fmt.Errorf("mdns browse: %w", err)
	}
	s.logger.Info("announced node",
		zap.String("instance", instance),
		zap.String("service", s.service),
		zap.Int("port", port))

	go s.track(ctx, instance, entries)
	return nil
}

func (s *Service) track(ctx context.Context, self string, entries <-chan *zeroconf.ServiceEntry) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-entries:
			if e == nil || e.Instance == self {
				continue
			}
			if e.TTL == 0 {
				s.logger.Info("peer gone", zap.String("instance", e.Instance))
				s.peers.Remove(e.Instance)
				continue
			}
			p := s.peers.AddFromServiceEntry(e)
			s.logger.Info("peer discovered",
				zap.String("instance", p.Instance),
				zap.Strings("addresses", p.Addresses()))
		}
	}
}

// Peers returns the nodes currently visible, sorted by instance name.
func (s *Service) Peers() []Peer {
	return s.peers.List()
}

// Stop withdraws the announcement and stops browsing.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, server, done := s.cancel, s.server, s.done
	s.cancel, s.server = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	server.Shutdown()
	s.logger.Info("stopped")
}

// Browse collects the nodes announced under service until ctx ends.
func Browse(ctx context.Context, service string) ([]Peer, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	store := NewPeerStore()
	for {
		select {
		case <-ctx.Done():
			return store.List(), nil
		case e := <-entries:
			if e != nil && e.TTL != 0 {
				store.AddFromServiceEntry(e)
			}
		}
	}
}
