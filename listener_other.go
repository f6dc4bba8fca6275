//go:build !unix

package iprotod

import "net"

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
