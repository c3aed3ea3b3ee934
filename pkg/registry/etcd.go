package registry

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is where nodes publish their address when an etcd rendezvous is
// configured. Broadcast discovery keeps working alongside it.
const KeyPrefix = "/ncp/nodes/"

// requestTimeout bounds the registration requests made by RegisterNode.
var requestTimeout = 5 * time.Second

func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func nodeKey(id uint16) string {
	return KeyPrefix + strconv.FormatUint(uint64(id), 10)
}

// RegisterNode publishes addr under the node's key on a lease of ttl seconds
// and keeps the lease alive until ctx is done. Grant and Put share one
// requestTimeout deadline.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id uint16, addr netip.AddrPort, ttl int64) (clientv3.LeaseID, error) {
	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	lease, err := cli.Grant(rctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(rctx, nodeKey(id), addr.String(), clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("put %s: %w", nodeKey(id), err)
	}

	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, nil
}

// peerFromKV parses one registration entry.
func peerFromKV(kv *mvccpb.KeyValue) (uint16, netip.AddrPort, error) {
	idStr, ok := strings.CutPrefix(string(kv.Key), KeyPrefix)
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("key %q outside %s", kv.Key, KeyPrefix)
	}
	id, err := strconv.ParseUint(idStr, 10, 16)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("key %q: %w", kv.Key, err)
	}
	addr, err := netip.ParseAddrPort(string(kv.Value))
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("value for %q: %w", kv.Key, err)
	}
	return uint16(id), addr, nil
}

// WatchPeers seeds r with every registered address and then follows the prefix
// until ctx is done. Deleted or expired registrations are ignored: membership
// only grows, as with broadcast discovery.
func WatchPeers(ctx context.Context, cli *clientv3.Client, r *Registry, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	add := func(kv *mvccpb.KeyValue) {
		id, addr, err := peerFromKV(kv)
		if err != nil {
			log.Warn("ignoring etcd registration", zap.Error(err))
			return
		}
		if r.AddIfAbsent(addr) {
			log.Info("discovered peer via etcd", zap.Uint16("peer_id", id), zap.Stringer("peer", addr))
		}
	}

	resp, err := cli.Get(ctx, KeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("list %s: %w", KeyPrefix, err)
	}
	for _, kv := range resp.Kvs {
		add(kv)
	}

	wch := cli.Watch(ctx, KeyPrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			log.Warn("etcd watch error", zap.Error(err))
			continue
		}
		for _, ev := range wr.Events {
			if ev.Type == mvccpb.PUT {
				add(ev.Kv)
			}
		}
	}
	return ctx.Err()
}
