package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platform/session-broker/events"
)

// ── Errors ──────────────────────────────────────────────────────────────────

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrProvision         = errors.New("container provisioning failed")
	ErrAttach            = errors.New("exec attach failed")
	ErrNoActiveContainer = errors.New("no active container for session")
)

// ── Constants ───────────────────────────────────────────────────────────────

const (
	containerTTL     = 30 * time.Minute
	memoryLimitBytes = 256 * 1024 * 1024
	cpuShares        = 256
	stopTimeoutSecs  = 10
	challengeUnknown = "unknown"

	labelManaged   = "broker.managed"
	labelSessionID = "broker.session_id"
	labelChallenge = "broker.challenge_id"
)

// ── Registry ────────────────────────────────────────────────────────────────

// containerRecord binds a session to its one live container. Records are
// immutable once stored; replacement is delete-and-reinsert.
type containerRecord struct {
	ContainerID string
	SessionID   string
	ChallengeID string
	Image       string
	CreatedAt   time.Time

	expiry *time.Timer
}

// StatusResult reports the live state of a session's container.
type StatusResult struct {
	Running     bool
	ContainerID string
	CreatedAt   time.Time
}

// eventBus is satisfied by *nats.Conn; nil means no bus is configured.
type eventBus interface {
	Publish(subject string, data []byte) error
}

// Broker owns the session→container registry and drives the container
// runtime. All registry access goes through b.mu; runtime calls happen
// outside the lock.
type Broker struct {
	docker  dockerAPI
	bus     eventBus
	logger  *slog.Logger
	network string
	ttl     time.Duration

	mu       sync.Mutex
	registry map[string]*containerRecord
}

func NewBroker(docker dockerAPI, bus eventBus, network string, logger *slog.Logger) *Broker {
	return &Broker{
		docker:   docker,
		bus:      bus,
		logger:   logger,
		network:  network,
		ttl:      containerTTL,
		registry: make(map[string]*containerRecord),
	}
}

func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.registry)
}

func (b *Broker) lookup(sessionID string) *containerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry[sessionID]
}

// evict removes the registry entry for sessionID and cancels its expiry
// timer. Returns the removed record, if any.
func (b *Broker) evict(sessionID string) *containerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.registry[sessionID]
	if rec == nil {
		return nil
	}
	if rec.expiry != nil {
		rec.expiry.Stop()
	}
	delete(b.registry, sessionID)
	activeContainers.Dec()
	return rec
}

func (b *Broker) insert(rec *containerRecord) *containerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.registry[rec.SessionID]
	if old != nil && old.expiry != nil {
		old.expiry.Stop()
	}
	b.registry[rec.SessionID] = rec
	if old == nil {
		activeContainers.Inc()
	}
	return old
}

// ── Start ───────────────────────────────────────────────────────────────────

// Start provisions a resource-bounded container for the session, superseding
// any container the session already owns. Returns the runtime-assigned
// container identifier.
func (b *Broker) Start(ctx context.Context, img, sessionID, challengeID, portSpec string) (string, error) {
	if img == "" || sessionID == "" {
		return "", fmt.Errorf("%w: image and sessionId are required", ErrInvalidRequest)
	}
	if challengeID == "" {
		challengeID = challengeUnknown
	}

	// Supersede: the old container may already be gone, so cleanup errors
	// are logged and swallowed.
	if old := b.evict(sessionID); old != nil {
		b.logger.Info("replacing existing container",
			"session_id", sessionID, "container_id", old.ContainerID)
		b.stopAndRemove(ctx, old.ContainerID)
	}

	exposed, bindings := parsePortSpec(portSpec, b.logger)

	if _, _, err := b.docker.ImageInspectWithRaw(ctx, img); err != nil {
		b.logger.Info("pulling image", "image", img)
		if rc, perr := b.docker.ImagePull(ctx, img, image.PullOptions{}); perr != nil {
			b.logger.Warn("image pull failed", "image", img, "error", perr)
		} else {
			io.Copy(io.Discard, rc)
			rc.Close()
		}
	}

	name := fmt.Sprintf("ctf-%s-%s", sanitizeName(sessionID), uuid.NewString()[:8])
	resp, err := b.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        img,
			Tty:          true,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			ExposedPorts: exposed,
			Labels: map[string]string{
				labelManaged:   "true",
				labelSessionID: sessionID,
				labelChallenge: challengeID,
			},
		},
		&container.HostConfig{
			PortBindings: bindings,
			NetworkMode:  container.NetworkMode(b.network),
			AutoRemove:   false,
			Resources: container.Resources{
				Memory:    memoryLimitBytes,
				CPUShares: cpuShares,
			},
		},
		nil, nil, name,
	)
	if err != nil {
		return "", fmt.Errorf("%w: create: %v", ErrProvision, err)
	}

	if err := b.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("%w: start: %v", ErrProvision, err)
	}

	containerID := resp.ID
	if inspect, err := b.docker.ContainerInspect(ctx, resp.ID); err == nil && inspect.ID != "" {
		containerID = inspect.ID
	}

	rec := &containerRecord{
		ContainerID: containerID,
		SessionID:   sessionID,
		ChallengeID: challengeID,
		Image:       img,
		CreatedAt:   time.Now().UTC(),
	}
	b.scheduleExpiry(rec)
	if old := b.insert(rec); old != nil {
		// A concurrent start for the same session slipped in between the
		// supersede above and this insert; the newest record wins.
		go b.stopAndRemove(context.Background(), old.ContainerID)
	}

	containersStarted.With(prometheus.Labels{"challenge_id": challengeID}).Inc()
	b.publish(events.EventSessionStarted, rec, nil)
	b.logger.Info("container started",
		"session_id", sessionID, "container_id", containerID,
		"challenge_id", challengeID, "image", img, "name", name)
	return containerID, nil
}

// scheduleExpiry arms the auto-expiry timer for rec. The timer is cancelled
// whenever the record is evicted or replaced; the identity re-check at fire
// time remains as a guard against a timer that was already running.
func (b *Broker) scheduleExpiry(rec *containerRecord) {
	sessionID, containerID := rec.SessionID, rec.ContainerID
	rec.expiry = time.AfterFunc(b.ttl, func() {
		b.mu.Lock()
		cur := b.registry[sessionID]
		if cur == nil || cur.ContainerID != containerID {
			b.mu.Unlock()
			return
		}
		delete(b.registry, sessionID)
		activeContainers.Dec()
		b.mu.Unlock()

		b.logger.Info("container expired",
			"session_id", sessionID, "container_id", containerID)
		b.stopAndRemove(context.Background(), containerID)
		b.publish(events.EventSessionExpired, cur, nil)
	})
}

// ── Stop ────────────────────────────────────────────────────────────────────

// Stop tears down the named container and drops the session's registry entry
// regardless of runtime call outcomes. It never raises: the container may
// already be stopped or removed externally.
func (b *Broker) Stop(ctx context.Context, containerID, sessionID string) bool {
	var rec *containerRecord
	if sessionID != "" {
		rec = b.evict(sessionID)
	} else {
		// No session given: drop whichever entry points at this container.
		b.mu.Lock()
		for sid, r := range b.registry {
			if r.ContainerID == containerID {
				if r.expiry != nil {
					r.expiry.Stop()
				}
				delete(b.registry, sid)
				activeContainers.Dec()
				rec = r
				break
			}
		}
		b.mu.Unlock()
	}

	ok := b.stopAndRemove(ctx, containerID)
	if rec != nil {
		b.publish(events.EventSessionStopped, rec, nil)
	}
	return ok
}

// stopAndRemove is the best-effort teardown shared by stop, supersede,
// expiry and shutdown paths. A container that is already gone counts as
// success.
func (b *Broker) stopAndRemove(ctx context.Context, containerID string) bool {
	timeout := stopTimeoutSecs
	stopErr := b.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if stopErr != nil && !errdefs.IsNotFound(stopErr) {
		b.logger.Warn("container stop failed", "container_id", containerID, "error", stopErr)
	}
	if err := b.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		b.logger.Warn("container remove failed", "container_id", containerID, "error", err)
	}
	return stopErr == nil || errdefs.IsNotFound(stopErr)
}

// ── Status ──────────────────────────────────────────────────────────────────

// Status reports whether the session's container is running. A registry
// entry whose container vanished out-of-band is evicted rather than
// surfacing the inspect error.
func (b *Broker) Status(ctx context.Context, sessionID string) StatusResult {
	rec := b.lookup(sessionID)
	if rec == nil {
		return StatusResult{}
	}
	inspect, err := b.docker.ContainerInspect(ctx, rec.ContainerID)
	if err != nil {
		b.logger.Warn("evicting stale registry entry",
			"session_id", sessionID, "container_id", rec.ContainerID, "error", err)
		b.evict(sessionID)
		return StatusResult{}
	}
	running := inspect.State != nil && inspect.State.Running
	return StatusResult{
		Running:     running,
		ContainerID: rec.ContainerID,
		CreatedAt:   rec.CreatedAt,
	}
}

// ── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains every tracked container sequentially. Best effort: a kill
// mid-drain leaves orphans for the startup reconciliation pass to reclaim.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	recs := make([]*containerRecord, 0, len(b.registry))
	for _, rec := range b.registry {
		recs = append(recs, rec)
	}
	b.mu.Unlock()

	for _, rec := range recs {
		b.logger.Info("draining container",
			"session_id", rec.SessionID, "container_id", rec.ContainerID)
		b.Stop(ctx, rec.ContainerID, rec.SessionID)
	}
}

// ── Startup reconciliation ──────────────────────────────────────────────────

// Reconcile rebuilds the registry from containers carrying the broker's
// labels. Running containers get fresh expiry timers; stopped leftovers are
// removed. This is what makes the in-memory registry survive a restart.
func (b *Broker) Reconcile(ctx context.Context) error {
	f := filters.NewArgs()
	f.Add("label", labelManaged+"=true")
	ctrs, err := b.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("list managed containers: %w", err)
	}
	for _, ctr := range ctrs {
		sessionID := ctr.Labels[labelSessionID]
		if ctr.State != "running" || sessionID == "" {
			b.logger.Info("removing leftover container", "container_id", ctr.ID, "state", ctr.State)
			b.stopAndRemove(ctx, ctr.ID)
			continue
		}
		if existing := b.lookup(sessionID); existing != nil {
			// Two running containers claim the same session; keep the one
			// already adopted and reclaim the duplicate.
			b.logger.Warn("duplicate container for session",
				"session_id", sessionID, "container_id", ctr.ID)
			b.stopAndRemove(ctx, ctr.ID)
			continue
		}
		challengeID := ctr.Labels[labelChallenge]
		if challengeID == "" {
			challengeID = challengeUnknown
		}
		rec := &containerRecord{
			ContainerID: ctr.ID,
			SessionID:   sessionID,
			ChallengeID: challengeID,
			Image:       ctr.Image,
			CreatedAt:   time.Unix(ctr.Created, 0).UTC(),
		}
		b.scheduleExpiry(rec)
		b.insert(rec)
		b.logger.Info("adopted running container",
			"session_id", sessionID, "container_id", ctr.ID)
	}
	return nil
}

// ── Event publishing ────────────────────────────────────────────────────────

func (b *Broker) publish(eventType string, rec *containerRecord, payload map[string]interface{}) {
	if b.bus == nil {
		return
	}
	ev := events.NewSessionEvent(eventType, rec.SessionID, rec.ContainerID)
	ev.ChallengeID = rec.ChallengeID
	for k, v := range payload {
		ev.Payload[k] = v
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.bus.Publish(events.SubjectSessionEvents, data); err != nil {
		b.logger.Warn("event publish failed", "event_type", eventType, "error", err)
	}
}
