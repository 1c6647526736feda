package sockopt

// Package sockopt opens the UDP sockets that back UDP associations.
//
// Relay sockets are bound with SO_REUSEADDR and SO_BROADCAST where the
// platform supports setting them; elsewhere they are plain UDP sockets.
