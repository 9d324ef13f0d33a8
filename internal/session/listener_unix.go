//go:build !windows

package session

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// lookupListenerPID shells out to lsof -ti tcp:<port> -sTCP:LISTEN, the
// portable tool the spec names for finding a stray router listener when
// the PID file is missing or stale.
func lookupListenerPID(port int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "lsof", "-ti", "tcp:"+strconv.Itoa(port), "-sTCP:LISTEN")
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		pid, convErr := strconv.Atoi(line)
		if convErr != nil {
			return 0, convErr
		}
		return pid, nil
	}
	return 0, nil
}
