package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
)

// dialFastestQUIC resolves every IP behind host and races a QUIC
// handshake against each one in parallel, returning whichever answers
// first. A literal IP address or a host that fails to resolve falls
// straight through to a single quic.DialAddr attempt. Adapted from the
// parallel-dial race previously used for the outbound TCP proxy target
// (now the endpoint-resolution step of Connect, spec §4.1 "Connect
// binds the transport to endpoint").
func dialFastestQUIC(ctx context.Context, hostport string, tlsCfg *tls.Config, quicCfg *quic.Config) (quic.Connection, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return quic.DialAddr(ctx, hostport, tlsCfg, quicCfg)
	}
	if _, perr := netip.ParseAddr(host); perr == nil {
		return quic.DialAddr(ctx, hostport, tlsCfg, quicCfg)
	}

	addrs, rerr := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		return quic.DialAddr(ctx, hostport, tlsCfg, quicCfg)
	}
	if len(addrs) == 1 {
		return quic.DialAddr(ctx, net.JoinHostPort(addrs[0].String(), port), tlsCfg, quicCfg)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn quic.Connection
		err  error
	}
	resCh := make(chan result, len(addrs))
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-raceCtx.Done():
					return
				}
			}
			conn, err := quic.DialAddr(raceCtx, net.JoinHostPort(ip.String(), port), tlsCfg, quicCfg)
			select {
			case resCh <- result{conn: conn, err: err}:
			case <-raceCtx.Done():
				if conn != nil {
					conn.CloseWithError(0, "superseded by faster candidate")
				}
			}
		}(i, ip)
	}

	var lastErr error
	for range addrs {
		select {
		case r := <-resCh:
			if r.err == nil {
				return r.conn, nil
			}
			lastErr = r.err
		case <-raceCtx.Done():
			return nil, raceCtx.Err()
		}
	}
	return nil, fmt.Errorf("all candidate endpoints failed: %w", lastErr)
}
