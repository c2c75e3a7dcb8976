package channel

import (
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
)

var errNoPeerCred = errors.New("peer credentials are not available on this platform")

// Cred is the identity of the process on the other end of a socket.
type Cred struct {
	PID int
	UID int
}

// allowSameUser accepts peers running as root or as the current user.
func allowSameUser(c Cred) error {
	if c.UID == 0 || c.UID == os.Getuid() {
		return nil
	}
	return fmt.Errorf("peer pid %d runs as uid %d", c.PID, c.UID)
}

// checkPeer verifies c against allow. Platforms without peer credentials
// pass.
func checkPeer(c net.Conn, allow func(Cred) error) error {
	cred, err := peerCred(c)
	switch {
	case errors.Is(err, errNoPeerCred):
		return nil
	case err != nil:
		return err
	}
	return allow(cred)
}

// peerListener drops connections from peers allow rejects.
type peerListener struct {
	net.Listener
	allow func(Cred) error
	log   *zap.Logger
}

func (l *peerListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if err := checkPeer(c, l.allow); err != nil {
			l.log.Warn("rejected channel peer", zap.Error(err))
			_ = c.Close()
			continue
		}
		return c, nil
	}
}
