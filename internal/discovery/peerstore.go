package discovery

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Peer is a ledger node seen on the network.
type Peer struct {
	Instance string            `json:"instance"`
	Hostname string            `json:"hostname"`
	Port     int               `json:"port"`
	Addrs    []net.IP          `json:"addrs"`
	Txt      map[string]string `json:"txt"`
}

// Addresses returns host:port strings for every known address of p.
func (p Peer) Addresses() []string {
	out := make([]string, 0, len(p.Addrs))
	for _, ip := range p.Addrs {
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(p.Port)))
	}
	return out
}

// APIURL returns the node's HTTP base URL, or "" without an address.
func (p Peer) APIURL() string {
	if len(p.Addrs) == 0 {
		return ""
	}
	return "http://" + p.Addresses()[0]
}

// PeerStore is a concurrency-safe set of peers keyed by instance name.
type PeerStore struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]Peer)}
}

// AddFromServiceEntry records or refreshes the peer behind e.
func (ps *PeerStore) AddFromServiceEntry(e *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: e.Instance,
		Hostname: e.HostName,
		Port:     e.Port,
		Addrs:    append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...),
		Txt:      ParseTxt(e.Text),
	}
	ps.mu.Lock()
	ps.peers[p.Instance] = p
	ps.mu.Unlock()
	return p
}

func (ps *PeerStore) Remove(instance string) {
	ps.mu.Lock()
	delete(ps.peers, instance)
	ps.mu.Unlock()
}

// List returns a snapshot sorted by instance name.
func (ps *PeerStore) List() []Peer {
	ps.mu.RLock()
	out := make([]Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	ps.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// ParseTxt splits key=value TXT records. Records without '=' are kept as
// keys with an empty value.
func ParseTxt(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// Txt formats the announcement records for a node.
func Txt(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for k, v := range fields {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
