// Package relay provides the cross-process plumbing a federated deployment
// of this protocol needs beyond the single-process §4.7 session state:
// service discovery (this file) and connection routing/pub-sub (see
// federation.go). Neither changes a single protocol invariant — a
// single-process deployment runs with both disabled and the per-process
// online/offline tables from §4.7 remain authoritative either way.
package relay

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

// Registry registers this relay process with Consul so other relay
// processes' federation layer can discover live peers instead of relying
// on a static server list.
type Registry struct {
	client     *api.Client
	serviceID  string
	serverPort int
}

// NewRegistry creates a Consul-backed registry for a relay process
// identified by serverID, advertising serverPort as its service port.
func NewRegistry(addr, serverID, serverPort string) (*Registry, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		log.Printf("relay: bad server port %q, defaulting to 8443: %v", serverPort, err)
		port = 8443
	}

	return &Registry{client: client, serviceID: serverID, serverPort: port}, nil
}

// Register advertises this process as a chat-relay service.
func (r *Registry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	reg := &api.AgentServiceRegistration{
		ID:      r.serviceID,
		Name:    "chat-relay",
		Port:    r.serverPort,
		Address: hostname,
		Tags:    []string{"relay", "e2ee"},
		Meta:    map[string]string{"server_id": r.serviceID},
	}
	return r.client.Agent().ServiceRegister(reg)
}

// Deregister removes this process's service entry.
func (r *Registry) Deregister() error {
	return r.client.Agent().ServiceDeregister(r.serviceID)
}

// HealthyPeers returns the service IDs of every chat-relay process that
// Consul reports as passing its health checks.
func (r *Registry) HealthyPeers() ([]string, error) {
	services, _, err := r.client.Health().Service("chat-relay", "", true, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.Service.ID)
	}
	return out, nil
}

// Watch blocks, calling callback whenever the set of healthy peers
// changes, using Consul's blocking-query long-poll.
func (r *Registry) Watch(callback func([]string)) {
	var lastIndex uint64
	for {
		services, meta, err := r.client.Health().Service("chat-relay", "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("relay: consul watch error: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		out := make([]string, 0, len(services))
		for _, svc := range services {
			out = append(out, svc.Service.ID)
		}
		callback(out)
	}
}
