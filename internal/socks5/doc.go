// Package socks5 implements the local-facing SOCKS5 front end of the tunnel
// client.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 and
// drives one connection through the handshake states INIT, AUTH and CMD. Once
// a CONNECT or UDP ASSOCIATE request has been read, the connection is handed
// over to the relay engine and every later byte is opaque payload.
//
// The tunnel offers no SOCKS-level authentication: "no authentication
// required" is always selected, and a username/password subnegotiation, if a
// client sends one anyway, is acknowledged without checking it.
package socks5
