package proxy

import (
	"errors"
	"fmt"
	"net"
)

// PortAny asks the network stack to pick a free port. This path never
// conflicts and is preferred when many episodes start at once.
const PortAny = 0

// ErrPortExhausted is returned when every fallback port in the window is
// already taken.
var ErrPortExhausted = errors.New("all candidate ports in use")

// ChooseBindablePort returns the first port >= preferred the probe accepts,
// trying at most maxAttempts consecutive ports. preferred == PortAny skips
// probing entirely: port 0 is handed to the listener, which resolves it.
//
// The probe is injected so the fallback policy is testable without a real
// network stack; the production probe actually binds (see Server.bind).
func ChooseBindablePort(preferred, maxAttempts int, probe func(port int) error) (int, error) {
	if preferred == PortAny {
		return PortAny, nil
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := preferred + i
		if port > 65535 {
			break
		}
		if err := probe(port); err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: tried %d ports starting at %d: %v", ErrPortExhausted, maxAttempts, preferred, lastErr)
}

// listenProbe binds a TCP listener on 127.0.0.1:port and hands it to keep.
func listenProbe(keep func(net.Listener)) func(int) error {
	return func(port int) error {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return err
		}
		keep(ln)
		return nil
	}
}
