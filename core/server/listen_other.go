//go:build !unix

package server

import "net"

// ReusePort is ignored where SO_REUSEPORT does not exist.
func listenConfig(bool) *net.ListenConfig {
	return &net.ListenConfig{}
}
