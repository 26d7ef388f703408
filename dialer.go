package mxconnect

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// SOCKS5Hook builds a ConnectHook that dials every candidate through the
// given SOCKS5 proxy instead of connecting directly -- the reusable form of
// the SOCKS/Tor diversion §4.7 step 5 describes, generalized from the
// teacher's per-target socks5_group.go module into a plain constructor.
func SOCKS5Hook(addr, user, password string) ConnectHook {
	var auth *proxy.Auth
	if user != "" && password != "" {
		auth = &proxy.Auth{User: user, Password: password}
	}

	return func(ctx context.Context, d *Delivery, opts *ConnectOptions) error {
		dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("mx-connect: socks5 dialer setup failed: %w", err)
		}

		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("mx-connect: socks5 dialer does not support context cancellation")
		}

		target := net.JoinHostPort(opts.Host, fmtPort(opts.Port))
		conn, err := ctxDialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return fmt.Errorf("mx-connect: socks5 dial to %s failed: %w", target, err)
		}

		opts.Socket = conn
		return nil
	}
}

func fmtPort(port uint16) string {
	return fmt.Sprintf("%d", port)
}
