package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platform/session-broker/events"
)

// ── Flag oracle ─────────────────────────────────────────────────────────────

// flagPath is the well-known location every challenge image places its
// secret at.
const flagPath = "/flag.txt"

// readFlag runs a non-interactive probe inside the container and returns the
// trimmed secret. Without a TTY the exec stream is multiplexed with the
// runtime's 8-byte frame headers, so it is demuxed through stdcopy. An empty
// result means the flag file is absent, empty, or unreadable — not a
// transport error.
func readFlag(ctx context.Context, docker dockerAPI, containerID string) (string, error) {
	exec, err := docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"cat", flagPath},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAttach, err)
	}
	hijack, err := docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAttach, err)
	}
	defer hijack.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader); err != nil {
		return "", fmt.Errorf("read flag probe output: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// VerifyFlag checks a submitted value against the secret inside the
// session's running container. Comparison trims surrounding whitespace and
// ignores case. The distinction between "flag file absent" and "mismatch"
// is kept for diagnostics only; callers report both as not valid.
func (b *Broker) VerifyFlag(ctx context.Context, sessionID, submitted string) (bool, error) {
	rec := b.lookup(sessionID)
	if rec == nil {
		flagChecks.With(prometheus.Labels{"result": "no_container"}).Inc()
		return false, ErrNoActiveContainer
	}

	secret, err := readFlag(ctx, b.docker, rec.ContainerID)
	if err != nil {
		flagChecks.With(prometheus.Labels{"result": "probe_error"}).Inc()
		return false, err
	}

	valid := false
	reason := ""
	switch {
	case secret == "":
		reason = "flag file absent or empty"
	case strings.EqualFold(strings.TrimSpace(submitted), secret):
		valid = true
	default:
		reason = "mismatch"
	}

	result := "invalid"
	if valid {
		result = "valid"
	}
	flagChecks.With(prometheus.Labels{"result": result}).Inc()
	b.publish(events.EventSessionFlagChecked, rec, map[string]interface{}{"valid": valid})
	if !valid {
		b.logger.Info("flag rejected", "session_id", sessionID, "reason", reason)
	}
	return valid, nil
}
