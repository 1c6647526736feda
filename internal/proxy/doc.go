package proxy

// Package proxy implements the two ends of the tunnel.
//
// The Client accepts SOCKS5 connections from local applications and relays
// them either directly to their targets or through the tunnel. The Server
// accepts tunnel connections, decodes the request at the head of each one and
// relays it to the real target. UDP associations are carried over TCP tunnels
// as boxed datagrams on both ends.
//
// The Server keys its UDP associations by target address alone. While one
// tunnel holds an association for a target, a second tunnel that sends to the
// same target (two clients querying 8.8.8.8:53, say) is refused and closed.
//
// Shared connection plumbing lives here as well: keepalive listeners, the
// transforming bidirectional relay and relay-port forwarders.
