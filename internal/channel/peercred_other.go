//go:build !linux

package channel

import "net"

func peerCred(net.Conn) (Cred, error) { return Cred{}, errNoPeerCred }
