//go:build linux

package vmm

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// DialGuestVsock connects to a guest's AF_VSOCK listener on the given CID
// and port. This is the transport a real hypervisor backend (Firecracker,
// cloud-hypervisor) uses for its ControlChannel instead of the process
// backend's loopback TCP callback.
func DialGuestVsock(cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vmm: dial vsock cid=%d port=%d: %w", cid, port, err)
	}
	return conn, nil
}

// ListenHostVsock listens for a guest-initiated vsock connection on the
// given port, for hypervisor backends where the guest dials out to the
// host instead of the host dialing in.
func ListenHostVsock(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vmm: listen vsock port=%d: %w", port, err)
	}
	return ln, nil
}
