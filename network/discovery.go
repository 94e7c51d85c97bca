package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"

	"dagmesh/logger"
)

const (
	mdnsServiceName      = "_dagmesh_consensus_node._tcp"
	mdnsDomain           = "local."
	MDNSDiscoverInterval = 5 * time.Second
)

// MDNSService is the subset of the mdns server used here
type MDNSService interface {
	Shutdown() error
}

// Discovery advertises the local node over mDNS and periodically browses
// for other nodes. Discovered peers fill the active set up to
// activeTarget; the overflow lands in the backup pool, from which the
// recovery manager promotes replacements when active peers die.
type Discovery struct {
	nodeID       string
	port         int
	peers        *PeerSet
	activeTarget int
	server       MDNSService
}

// NewDiscovery creates an mDNS discovery service for the local node
func NewDiscovery(nodeID string, port int, peers *PeerSet, activeTarget int) *Discovery {
	return &Discovery{
		nodeID:       nodeID,
		port:         port,
		peers:        peers,
		activeTarget: activeTarget,
	}
}

// Start advertises this node and begins periodic discovery until the
// context is cancelled
func (d *Discovery) Start(ctx context.Context) error {
	info := []string{fmt.Sprintf("id=%s", d.nodeID)}

	service, err := mdns.NewMDNSService(
		d.nodeID,        // Instance name
		mdnsServiceName, // Service name
		mdnsDomain,      // Domain
		"",              // Host name (empty = default)
		d.port,          // Port
		nil,             // IPs (nil = all)
		info,            // TXT record info
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}
	d.server = server

	go d.runDiscovery(ctx)

	log.WithFields(logger.Fields{
		"nodeID": d.nodeID,
		"port":   d.port,
	}).Info("Peer discovery started")
	return nil
}

// runDiscovery performs an initial discovery, then repeats on a ticker
func (d *Discovery) runDiscovery(ctx context.Context) {
	d.discoverOnce()

	ticker := time.NewTicker(MDNSDiscoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.server != nil {
				d.server.Shutdown()
			}
			log.Info("Peer discovery stopped")
			return
		case <-ticker.C:
			d.discoverOnce()
		}
	}
}

// discoverOnce performs a single mDNS browse cycle
func (d *Discovery) discoverOnce() {
	entriesCh := make(chan *mdns.ServiceEntry, 10)

	params := &mdns.QueryParam{
		Service:     mdnsServiceName,
		Domain:      mdnsDomain,
		Timeout:     50 * time.Millisecond,
		Entries:     entriesCh,
		DisableIPv6: true,
	}

	if err := mdns.Query(params); err != nil {
		log.WithError(err).Debug("mDNS query failed")
		return
	}

	timeout := time.After(params.Timeout)
	for {
		select {
		case entry := <-entriesCh:
			d.handleEntry(entry)
		case <-timeout:
			return
		}
	}
}

func (d *Discovery) handleEntry(entry *mdns.ServiceEntry) {
	if len(entry.AddrV4) == 0 {
		return
	}

	// Extract node ID from TXT record
	nodeID := ""
	for _, info := range entry.InfoFields {
		if len(info) > 3 && info[:3] == "id=" {
			nodeID = info[3:]
			break
		}
	}
	if nodeID == "" || nodeID == d.nodeID {
		return
	}

	addr := net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))
	active := d.peers.Admit(Peer{ID: nodeID, Address: addr}, d.activeTarget)

	log.WithFields(logger.Fields{
		"peerID":  nodeID,
		"address": addr,
		"active":  active,
	}).Debug("Discovered peer admitted")
}
