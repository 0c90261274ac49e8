//go:build !linux && !darwin

package bridged

import (
	"fmt"
	"net"
)

// Peer credential checks are only implemented for linux and darwin; other
// platforms must run with PeerCredCheck disabled.
func peerUIDMatchesCurrentUser(conn net.Conn) (bool, error) {
	return false, fmt.Errorf("peer credential check not supported on this platform")
}
