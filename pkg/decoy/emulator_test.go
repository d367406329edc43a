package decoy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type capture struct {
	instanceID string
	remote     string
	commands   []string
	raw        []byte
}

func startEmulated(t *testing.T, service string) (*EmulatorDriver, Endpoint, chan capture) {
	t.Helper()
	drv := NewEmulatorDriver("127.0.0.1", time.Millisecond, zerolog.Nop())
	t.Cleanup(drv.Close)
	caps := make(chan capture, 4)
	drv.OnCapture = func(id, remote string, commands []string, raw []byte) {
		caps <- capture{id, remote, commands, raw}
	}
	inst := &Instance{ID: "inst-" + service, Service: service}
	ep, ref, err := drv.Provision(context.Background(), inst)
	if err != nil {
		t.Fatalf("provision %s: %v", service, err)
	}
	if ref != inst.ID {
		t.Fatalf("ref = %q, want instance id", ref)
	}
	return drv, ep, caps
}

func dialDecoy(t *testing.T, ep Endpoint) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ep.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", ep, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func awaitCapture(t *testing.T, caps chan capture) capture {
	t.Helper()
	select {
	case c := <-caps:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no capture arrived")
		return capture{}
	}
}

func TestEmulatorPortsStayInRange(t *testing.T) {
	for service, r := range servicePorts {
		drv, ep, _ := startEmulated(t, service)
		if ep.Port < r[0] || ep.Port > r[1] {
			t.Errorf("%s port %d outside %d-%d", service, ep.Port, r[0], r[1])
		}
		drv.Close()
	}
}

func TestEmulatorRedisSession(t *testing.T) {
	_, ep, caps := startEmulated(t, "redis")
	conn, r := dialDecoy(t, ep)

	fmt.Fprint(conn, "PING\r\n")
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "+PONG" {
		t.Fatalf("PING reply = %q, err %v", line, err)
	}
	fmt.Fprint(conn, "KEYS *\r\n")
	line, _ = r.ReadString('\n')
	if !strings.HasPrefix(line, "-ERR") {
		t.Fatalf("KEYS reply = %q, want -ERR", line)
	}
	fmt.Fprint(conn, "QUIT\r\n")
	_, _ = r.ReadString('\n')

	c := awaitCapture(t, caps)
	if c.instanceID != "inst-redis" {
		t.Errorf("capture instance = %s", c.instanceID)
	}
	if len(c.commands) != 3 || c.commands[0] != "PING" {
		t.Errorf("captured commands = %v", c.commands)
	}
	if c.remote != "127.0.0.1" {
		t.Errorf("remote = %s", c.remote)
	}
}

func TestEmulatorFTPSession(t *testing.T) {
	_, ep, caps := startEmulated(t, "ftp")
	conn, r := dialDecoy(t, ep)

	banner, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(banner, "220") {
		t.Fatalf("banner = %q, err %v", banner, err)
	}
	fmt.Fprint(conn, "USER admin\r\n")
	if line, _ := r.ReadString('\n'); !strings.HasPrefix(line, "331") {
		t.Fatalf("USER reply = %q", line)
	}
	fmt.Fprint(conn, "PASS hunter2\r\n")
	if line, _ := r.ReadString('\n'); !strings.HasPrefix(line, "530") {
		t.Fatalf("PASS reply = %q", line)
	}
	fmt.Fprint(conn, "QUIT\r\n")
	_, _ = r.ReadString('\n')

	c := awaitCapture(t, caps)
	if len(c.commands) != 3 || !strings.HasPrefix(c.commands[1], "PASS") {
		t.Errorf("captured commands = %v", c.commands)
	}
	if len(c.raw) == 0 {
		t.Error("raw session bytes missing")
	}
}

func TestEmulatorHTTPSession(t *testing.T) {
	_, ep, caps := startEmulated(t, "http")
	conn, r := dialDecoy(t, ep)

	fmt.Fprint(conn, "GET /admin HTTP/1.1\r\nHost: target\r\n\r\n")
	status, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("status = %q, err %v", status, err)
	}

	c := awaitCapture(t, caps)
	if len(c.commands) == 0 || !strings.HasPrefix(c.commands[0], "GET /admin") {
		t.Errorf("captured commands = %v", c.commands)
	}
}

func TestEmulatorSSHBanner(t *testing.T) {
	_, ep, _ := startEmulated(t, "ssh")
	_, r := dialDecoy(t, ep)
	banner, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(banner, "SSH-2.0-") {
		t.Fatalf("banner = %q, err %v", banner, err)
	}
}

func TestEmulatorStopFreesPort(t *testing.T) {
	drv, ep, _ := startEmulated(t, "smtp")
	if err := drv.Stop(context.Background(), "inst-smtp"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := net.DialTimeout("tcp", ep.String(), 300*time.Millisecond); err == nil {
		t.Error("listener still accepting after stop")
	}
	// stopping again is fine
	if err := drv.Stop(context.Background(), "inst-smtp"); err != nil {
		t.Fatalf("repeat stop: %v", err)
	}
}

func TestEmulatorUnknownService(t *testing.T) {
	drv := NewEmulatorDriver("127.0.0.1", time.Millisecond, zerolog.Nop())
	t.Cleanup(drv.Close)
	if _, _, err := drv.Provision(context.Background(), &Instance{ID: "x", Service: "gopher"}); err == nil {
		t.Fatal("unknown service should fail")
	}
}
