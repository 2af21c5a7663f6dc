package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key-space constants. All directory keys live under /udrpc/v1/ to avoid
// collisions with other etcd tenants of the same cluster.
const (
	keyPrefix = "/udrpc/v1"
	leaseTTLs = 10 // seconds; a host's entry disappears this long after it stops renewing
)

func hostKey(host string) string { return fmt.Sprintf("%s/hosts/%s", keyPrefix, host) }
func hostsPrefix() string        { return fmt.Sprintf("%s/hosts/", keyPrefix) }

// HostInfo is the record a Directory publishes for one host's broker: where
// other brokers should dial to reach it.
type HostInfo struct {
	Host      string `json:"host"`
	Addr      string `json:"addr"` // net.Dial-able TCP address for this host's broker listener
	UpdatedAt int64  `json:"updated_at"`
}

// Directory is an etcd-backed registry of which hosts have a live broker and
// where to reach it, so a Broker can resolve a destination host name to a
// dialable address instead of requiring the caller to already know it. A
// host's own entry is kept alive by a lease that must be renewed faster than
// leaseTTLs or it expires, so a crashed host's entry disappears on its own.
type Directory struct {
	client *clientv3.Client
}

// NewDirectory dials the etcd cluster at endpoints.
func NewDirectory(endpoints []string) (*Directory, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: etcd dial: %w", err)
	}
	return &Directory{client: client}, nil
}

// Close releases the underlying etcd client connection.
func (d *Directory) Close() error { return d.client.Close() }

// Announce publishes this host's broker address and keeps it alive until ctx
// ends, automatically renewing the backing lease. It returns once the
// initial registration succeeds; renewal continues in the background.
func (d *Directory) Announce(ctx context.Context, host, addr string) error {
	lease, err := d.client.Grant(ctx, leaseTTLs)
	if err != nil {
		return fmt.Errorf("broker: grant lease: %w", err)
	}
	info := HostInfo{Host: host, Addr: addr, UpdatedAt: time.Now().Unix()}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("broker: marshal host info: %w", err)
	}
	if _, err := d.client.Put(ctx, hostKey(host), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("broker: put host info: %w", err)
	}
	keepAlive, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("broker: keepalive: %w", err)
	}
	go func() {
		for range keepAlive {
			// Drain keepalive responses; etcd's client library requires the
			// channel to be consumed or renewal stalls. Nothing to act on.
		}
	}()
	return nil
}

// Resolve looks up the dialable address for host.
func (d *Directory) Resolve(ctx context.Context, host string) (string, error) {
	resp, err := d.client.Get(ctx, hostKey(host))
	if err != nil {
		return "", fmt.Errorf("broker: get host %q: %w", host, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("broker: host %q not registered", host)
	}
	var info HostInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &info); err != nil {
		return "", fmt.Errorf("broker: unmarshal host %q: %w", host, err)
	}
	return info.Addr, nil
}

// List returns every currently registered host.
func (d *Directory) List(ctx context.Context) ([]HostInfo, error) {
	resp, err := d.client.Get(ctx, hostsPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("broker: list hosts: %w", err)
	}
	out := make([]HostInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info HostInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			return nil, fmt.Errorf("broker: unmarshal host %q: %w", string(kv.Key), err)
		}
		out = append(out, info)
	}
	return out, nil
}

// Dialer returns a dial function suitable for New: it resolves host through
// this Directory and then opens a TCP connection to the result.
func (d *Directory) Dialer() func(ctx context.Context, host string) (net.Conn, error) {
	var nd net.Dialer
	return func(ctx context.Context, host string) (net.Conn, error) {
		addr, err := d.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		return nd.DialContext(ctx, "tcp", addr)
	}
}
