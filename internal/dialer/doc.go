package dialer

// Package dialer provides the outbound dialers of the tunnel.
//
// Dialers implement a small interface (DialContext). The direct dialer
// connects to the requested address; the tunnel dialer ignores it and
// connects to the remote tunnel endpoint, picking one of its ports at random
// for every connection. Ping wraps either one in the bounded liveness check
// that every outbound connection goes through.
