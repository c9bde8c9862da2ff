package server

import (
	"fmt"
	"net"

	"github.com/macrodyne/autod/errors"
)

// isPortAvailable checks if a port is available for binding
func isPortAvailable(host string, port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// findAvailablePort tries the requested port first, then scans upward. A
// collision falls back to the next higher port, up to ten attempts.
func findAvailablePort(host string, requestedPort int) (int, error) {
	for offset := 0; offset < 10; offset++ {
		port := requestedPort + offset
		if port > 65535 {
			break
		}
		if isPortAvailable(host, port) {
			return port, nil
		}
	}
	return 0, errors.Newf("no available port in range %d-%d", requestedPort, requestedPort+9)
}
