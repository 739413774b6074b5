//go:build unix

package bailout

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultSignal requests a bail when no signal is configured.
var DefaultSignal os.Signal = unix.SIGUSR1

var allowedSignals = map[string]struct{}{
	"SIGINT":  {},
	"SIGTERM": {},
	"SIGHUP":  {},
	"SIGUSR1": {},
	"SIGUSR2": {},
}

// ParseSignal resolves a signal name such as "SIGUSR1" or "usr1".
func ParseSignal(name string) (os.Signal, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if normalized == "" {
		return DefaultSignal, nil
	}
	if !strings.HasPrefix(normalized, "SIG") {
		normalized = "SIG" + normalized
	}
	if _, ok := allowedSignals[normalized]; !ok {
		return nil, fmt.Errorf("unsupported bail signal %q", name)
	}
	sig := unix.SignalNum(normalized)
	if sig == 0 {
		return nil, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// Deliver sends sig to the process pid.
func Deliver(pid int, sig os.Signal) error {
	num, ok := sig.(unix.Signal)
	if !ok {
		return fmt.Errorf("signal %v cannot be delivered", sig)
	}
	return unix.Kill(pid, num)
}

func notify(c chan<- os.Signal, sigs ...os.Signal) { signal.Notify(c, sigs...) }

func stopNotify(c chan<- os.Signal) { signal.Stop(c) }
