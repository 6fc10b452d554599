package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker is an in-memory stand-in for the Docker daemon implementing
// the dockerAPI slice the broker uses.
type fakeDocker struct {
	mu  sync.Mutex
	seq int

	containers map[string]*fakeContainer
	stopped    []string
	removed    []string

	createErr  error
	startErr   error
	listErr    error
	inspectErr map[string]error

	execs      map[string]fakeExec
	execSeq    int
	execErr    error
	attachErr  error
	resizeErr  error
	resizes    []container.ResizeOptions
	flagOutput map[string]string
	lastShell  chan net.Conn

	imageInspectErr error
	pulled          []string
}

type fakeContainer struct {
	id      string
	name    string
	image   string
	labels  map[string]string
	running bool
	created int64
}

type fakeExec struct {
	containerID string
	opts        container.ExecOptions
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		inspectErr: make(map[string]error),
		execs:      make(map[string]fakeExec),
		flagOutput: make(map[string]string),
		lastShell:  make(chan net.Conn, 4),
	}
}

func notFound(id string) error {
	return errdefs.NotFound(errors.New("No such container: " + id))
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("cid%d", f.seq)
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    name,
		image:   config.Image,
		labels:  config.Labels,
		created: time.Now().Unix(),
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	fc, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	fc.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	fc.running = false
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return notFound(id)
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.inspectErr[id]; err != nil {
		return types.ContainerJSON{}, err
	}
	fc, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, notFound(id)
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:      fc.id,
			Name:    "/" + fc.name,
			Created: time.Unix(fc.created, 0).UTC().Format(time.RFC3339Nano),
			State:   &types.ContainerState{Running: fc.running},
		},
	}, nil
}

func (f *fakeDocker) ContainerList(_ context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []types.Container
	for _, fc := range f.containers {
		if !fc.running && !options.All {
			continue
		}
		state := "exited"
		if fc.running {
			state = "running"
		}
		out = append(out, types.Container{
			ID:      fc.id,
			Names:   []string{"/" + fc.name},
			Image:   fc.image,
			Labels:  fc.labels,
			State:   state,
			Created: fc.created,
		})
	}
	return out, nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, id string, opts container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return types.IDResponse{}, f.execErr
	}
	fc, ok := f.containers[id]
	if !ok || !fc.running {
		return types.IDResponse{}, notFound(id)
	}
	f.execSeq++
	execID := fmt.Sprintf("exec%d", f.execSeq)
	f.execs[execID] = fakeExec{containerID: id, opts: opts}
	return types.IDResponse{ID: execID}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return types.HijackedResponse{}, f.attachErr
	}
	ex, ok := f.execs[execID]
	if !ok {
		return types.HijackedResponse{}, errors.New("unknown exec id " + execID)
	}
	if ex.opts.Tty {
		bridgeSide, shellSide := net.Pipe()
		select {
		case f.lastShell <- shellSide:
		default:
		}
		return types.HijackedResponse{Conn: bridgeSide, Reader: bufio.NewReader(bridgeSide)}, nil
	}
	// Non-TTY execs carry the runtime's 8-byte stream framing.
	data := muxFrame(1, f.flagOutput[ex.containerID])
	return types.HijackedResponse{
		Conn:   &discardConn{},
		Reader: bufio.NewReader(bytes.NewReader(data)),
	}, nil
}

func (f *fakeDocker) ContainerExecResize(_ context.Context, _ string, opts container.ResizeOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resizeErr != nil {
		return f.resizeErr
	}
	f.resizes = append(f.resizes, opts)
	return nil
}

func (f *fakeDocker) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, f.imageInspectErr
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeDocker) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}

func (f *fakeDocker) resizeCalls() []container.ResizeOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.ResizeOptions(nil), f.resizes...)
}

// muxFrame wraps payload in the stdout/stderr multiplexing header stdcopy
// expects on non-TTY streams.
func muxFrame(stream byte, payload string) []byte {
	if payload == "" {
		return nil
	}
	data := []byte(payload)
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(data)))
	return append(header, data...)
}

// discardConn satisfies net.Conn for exec streams whose write side is unused.
type discardConn struct{}

func (discardConn) Read([]byte) (int, error)         { return 0, io.EOF }
func (discardConn) Write(p []byte) (int, error)      { return len(p), nil }
func (discardConn) Close() error                     { return nil }
func (discardConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (discardConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (discardConn) SetDeadline(time.Time) error      { return nil }
func (discardConn) SetReadDeadline(time.Time) error  { return nil }
func (discardConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return string(a) }
func (a fakeAddr) String() string  { return string(a) }
