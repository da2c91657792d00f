// Package discovery announces the node on the local segment over mDNS and
// watches for peers. Every observed peer passes the ACL gate before it
// becomes dialable.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
)

// mDNS parameters.
const (
	serviceType   = "_cis._udp"
	serviceDomain = "local."

	browseRestartDelay = 5 * time.Second
)

// Gate admits or rejects a discovered DID before it becomes dialable.
type Gate interface {
	Admit(did string) error
}

// Peer is one mDNS-observed node.
type Peer struct {
	NodeID     string
	DID        string
	Addresses  []string
	Metadata   map[string]string
	ObservedAt time.Time
	// Dialable is true only after the ACL admitted the DID.
	Dialable bool
}

// Announcement is what this node publishes.
type Announcement struct {
	NodeID   string
	DID      string
	Port     int
	Addrs    []string
	Metadata map[string]string
}

// Service announces the local node and browses for peers.
type Service struct {
	gate   Gate
	logger *slog.Logger

	server *zeroconf.Server

	mu    sync.RWMutex
	peers map[string]*Peer // DID -> peer

	// OnDialable, when set, fires once per newly admitted peer.
	OnDialable func(Peer)
}

// NewService creates an mDNS discovery service.
func NewService(gate Gate, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gate: gate, logger: logger, peers: make(map[string]*Peer)}
}

// Announce registers the node's service on the local segment.
func (s *Service) Announce(a Announcement) error {
	txt := []string{
		"did=" + a.DID,
		"node_id=" + a.NodeID,
	}
	if len(a.Addrs) > 0 {
		txt = append(txt, "addrs="+strings.Join(a.Addrs, ","))
	}
	for k, v := range a.Metadata {
		txt = append(txt, fmt.Sprintf("meta_%s=%s", k, v))
	}

	server, err := zeroconf.Register(a.NodeID, serviceType, serviceDomain, a.Port, txt, nil)
	if err != nil {
		return errors.Wrap(err, "discovery: mdns register")
	}
	s.server = server
	s.logger.Info("mdns announce", "node_id", a.NodeID, "port", a.Port)
	return nil
}

// Browse watches the segment until ctx ends, feeding observed services into
// the peer map. Restarts the resolver on failure.
func (s *Service) Browse(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.browseOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("mdns browse failed, restarting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(browseRestartDelay):
			}
		}
	}
}

func (s *Service) browseOnce(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return errors.Wrap(err, "discovery: new resolver")
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			s.observe(entry)
		}
	}()
	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return errors.Wrap(err, "discovery: browse")
	}
	<-ctx.Done()
	return nil
}

// observe folds a service entry into the peer map and runs the ACL gate.
func (s *Service) observe(entry *zeroconf.ServiceEntry) {
	peer := parseEntry(entry)
	if peer == nil || peer.DID == "" {
		return
	}

	admitErr := error(nil)
	if s.gate != nil {
		admitErr = s.gate.Admit(peer.DID)
	}
	peer.Dialable = admitErr == nil

	s.mu.Lock()
	previous := s.peers[peer.DID]
	s.peers[peer.DID] = peer
	s.mu.Unlock()

	if admitErr != nil {
		s.logger.Debug("discovered peer not dialable", "did", peer.DID, "error", admitErr)
		return
	}
	if previous == nil || !previous.Dialable {
		s.logger.Info("peer discovered", "did", peer.DID, "addrs", peer.Addresses)
		if s.OnDialable != nil {
			s.OnDialable(*peer)
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) *Peer {
	peer := &Peer{
		Metadata:   make(map[string]string),
		ObservedAt: time.Now(),
	}
	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch {
		case key == "did":
			peer.DID = value
		case key == "node_id":
			peer.NodeID = value
		case key == "addrs":
			peer.Addresses = strings.Split(value, ",")
		case strings.HasPrefix(key, "meta_"):
			peer.Metadata[strings.TrimPrefix(key, "meta_")] = value
		}
	}
	if len(peer.Addresses) == 0 {
		for _, ip := range entry.AddrIPv4 {
			peer.Addresses = append(peer.Addresses, fmt.Sprintf("%s:%d", ip, entry.Port))
		}
	}
	return peer
}

// Peers snapshots the discovered-peer map.
func (s *Service) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// Close stops the announcement.
func (s *Service) Close() {
	if s.server != nil {
		s.server.Shutdown()
	}
}
