package listener

import (
	"fmt"
	"net"
	"strings"
	"syscall"
)

// dscpValues maps DSCP names (RFC 2474/4594) to their numeric code points
// (6 bits). This is the code point itself, not the full TOS byte — setting
// the socket option requires shifting it left (TOS = DSCP<<2 | ECN).
//
// ParseDSCP/applyDSCP below are carried over verbatim from this codebase's
// DSCP marking helper for agent uplink traffic (internal/agent/dscp.go,
// renamed from the exported ParseDSCP/ApplyDSCP and its Portuguese comments
// translated): an RFC code-point table and an IP_TOS setsockopt call have no
// domain-specific behavior to adapt. Only the call site changed — listener.go
// applies it to accepted client sockets instead of an outbound backup stream.
var dscpValues = map[string]int{
	"EF": 46,

	"AF11": 10, "AF12": 12, "AF13": 14,
	"AF21": 18, "AF22": 20, "AF23": 22,
	"AF31": 26, "AF32": 28, "AF33": 30,
	"AF41": 34, "AF42": 36, "AF43": 38,

	"CS0": 0, "CS1": 8, "CS2": 16, "CS3": 24,
	"CS4": 32, "CS5": 40, "CS6": 48, "CS7": 56,
}

// ParseDSCP converts a DSCP class name (e.g. "AF41", "EF") to its numeric
// code point. An empty name returns 0, nil (DSCP marking disabled).
func ParseDSCP(name string) (int, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	if name == "" {
		return 0, nil
	}
	val, ok := dscpValues[name]
	if !ok {
		return 0, fmt.Errorf("listener: unknown DSCP class %q (valid: EF, AF11..AF43, CS0..CS7)", name)
	}
	return val, nil
}

// applyDSCP sets the IP_TOS socket option on conn. dscp is the code point
// (0-63); a value of 0 is a no-op.
func applyDSCP(conn net.Conn, dscp int) error {
	if dscp == 0 {
		return nil
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("listener: cannot apply DSCP to %T", conn)
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("listener: raw conn for DSCP: %w", err)
	}

	tosValue := dscp << 2
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tosValue)
	}); err != nil {
		return fmt.Errorf("listener: control fd for DSCP: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("listener: setsockopt IP_TOS=%d: %w", tosValue, sysErr)
	}
	return nil
}
