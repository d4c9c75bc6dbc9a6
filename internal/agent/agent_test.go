package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCLI struct {
	remoteList    string
	attachedPorts string
	attached      []string
	detached      []string
}

func (f *fakeCLI) ListRemote(ctx context.Context, host string, port int) (string, error) {
	return f.remoteList, nil
}

func (f *fakeCLI) AttachedPorts(ctx context.Context) (string, error) {
	return f.attachedPorts, nil
}

func (f *fakeCLI) Attach(ctx context.Context, host string, port int, busID string) error {
	f.attached = append(f.attached, busID)
	return nil
}

func (f *fakeCLI) Detach(ctx context.Context, portID string) error {
	f.detached = append(f.detached, portID)
	return nil
}

func TestHandleBoundAttachesAvailableDevice(t *testing.T) {
	cli := &fakeCLI{
		remoteList:    " - busid 1-1 (1d6b:0002)\n",
		attachedPorts: "",
	}
	a := New("daemon.example", 3240, "test-client", 0, cli, nil)

	a.handleFrame(context.Background(), "Device 1-1 bound")
	require.Equal(t, []string{"1-1"}, cli.attached)
}

func TestHandleBoundSkipsUnavailableDevice(t *testing.T) {
	cli := &fakeCLI{remoteList: ""}
	a := New("daemon.example", 3240, "test-client", 0, cli, nil)

	a.handleFrame(context.Background(), "Device 9-9 bound")
	require.Empty(t, cli.attached)
}

func TestHandleBoundDetachesExistingAttachmentFirst(t *testing.T) {
	cli := &fakeCLI{
		remoteList:    " - busid 1-1 (1d6b:0002)\n",
		attachedPorts: "port 00: <-> busid 1-1 (1d6b:0002)\n",
	}
	a := New("daemon.example", 3240, "test-client", 0, cli, nil)

	a.handleFrame(context.Background(), "Device 1-1 bound")
	require.Equal(t, []string{"00"}, cli.detached)
	require.Equal(t, []string{"1-1"}, cli.attached)
}

func TestHandleUnboundDetachesAttachedDevice(t *testing.T) {
	cli := &fakeCLI{attachedPorts: "port 01: <-> busid 2-2 (0781:5567)\n"}
	a := New("daemon.example", 3240, "test-client", 0, cli, nil)

	a.handleFrame(context.Background(), "Device 2-2 unbound")
	require.Equal(t, []string{"01"}, cli.detached)
}

func TestHandleRemovedDetachesAttachedDevice(t *testing.T) {
	cli := &fakeCLI{attachedPorts: "port 01: <-> busid 2-2 (0781:5567)\n"}
	a := New("daemon.example", 3240, "test-client", 0, cli, nil)

	a.handleFrame(context.Background(), "Device 2-2 removed")
	require.Equal(t, []string{"01"}, cli.detached)
}
