//go:build !unix

package bailout

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
)

// DefaultSignal requests a bail when no signal is configured.
var DefaultSignal os.Signal = os.Interrupt

// ParseSignal resolves a signal name. Only SIGINT exists on this platform.
func ParseSignal(name string) (os.Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "SIGINT", "INT":
		return os.Interrupt, nil
	default:
		return nil, fmt.Errorf("unsupported bail signal %q", name)
	}
}

// Deliver is unsupported on this platform; write the flag instead.
func Deliver(int, os.Signal) error {
	return errors.New("signal delivery is not supported on this platform")
}

func notify(c chan<- os.Signal, sigs ...os.Signal) { signal.Notify(c, sigs...) }

func stopNotify(c chan<- os.Signal) { signal.Stop(c) }
