package decoy

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Host port ranges per decoy service. Low-interaction listeners sit next to
// where the real service would live, not on top of it.
var servicePorts = map[string][2]int{
	"ssh":    {2200, 2299},
	"http":   {8000, 8099},
	"ftp":    {2100, 2199},
	"telnet": {2300, 2399},
	"smtp":   {2500, 2599},
	"redis":  {6380, 6479},
}

// Rotating banners keep repeated probes from fingerprinting the decoy.
var serviceBanners = map[string][]string{
	"ssh":    {"SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.5", "SSH-2.0-OpenSSH_9.3", "SSH-2.0-OpenSSH_7.4"},
	"ftp":    {"220 ProFTPD 1.3.7a Server ready.", "220 (vsFTPd 3.0.3)", "220 FTP server ready."},
	"telnet": {"Ubuntu 20.04.6 LTS\r\nlogin: ", "Debian GNU/Linux 11\r\nlogin: "},
	"smtp":   {"220 mail.internal ESMTP Postfix (Ubuntu)", "220 smtp.internal ESMTP Exim 4.94.2"},
}

var httpServerHeaders = []string{"nginx/1.23.4", "Apache/2.4.57 (Unix)", "Caddy"}

const (
	sessionLineCap = 16
	sessionTimeout = 60 * time.Second
	lineByteCap    = 4096
)

// EmulatorDriver serves low-interaction protocol imitations in-process. It
// needs no external runtime, which makes it the default driver.
type EmulatorDriver struct {
	bindHost string
	jitter   time.Duration
	log      zerolog.Logger

	// OnCapture receives the full session once the peer disconnects.
	OnCapture func(instanceID, remoteAddr string, commands []string, raw []byte)

	mu        sync.Mutex
	listeners map[string]net.Listener
	rng       *rand.Rand
	closed    bool
}

// NewEmulatorDriver binds decoys on bindHost (usually 127.0.0.1 in
// development, an exposed interface in production).
func NewEmulatorDriver(bindHost string, jitter time.Duration, log zerolog.Logger) *EmulatorDriver {
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}
	if jitter <= 0 {
		jitter = 120 * time.Millisecond
	}
	return &EmulatorDriver{
		bindHost:  bindHost,
		jitter:    jitter,
		log:       log,
		listeners: make(map[string]net.Listener),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *EmulatorDriver) Name() string { return "emulator" }

// Provision opens a listener in the service's port range and starts its
// accept loop. The instance ID doubles as the teardown reference.
func (d *EmulatorDriver) Provision(_ context.Context, inst *Instance) (Endpoint, string, error) {
	ln, port, err := d.listenInRange(inst.Service)
	if err != nil {
		return Endpoint{}, "", err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = ln.Close()
		return Endpoint{}, "", fmt.Errorf("driver closed")
	}
	d.listeners[inst.ID] = ln
	d.mu.Unlock()

	go d.acceptLoop(inst.ID, inst.Service, ln)
	d.log.Debug().Str("service", inst.Service).Int("port", port).Msg("emulator listening")
	return Endpoint{Host: d.bindHost, Port: port}, inst.ID, nil
}

// Stop closes the instance's listener. Unknown refs are fine.
func (d *EmulatorDriver) Stop(_ context.Context, ref string) error {
	d.mu.Lock()
	ln, ok := d.listeners[ref]
	delete(d.listeners, ref)
	d.mu.Unlock()
	if ok {
		return ln.Close()
	}
	return nil
}

// Close tears down every listener.
func (d *EmulatorDriver) Close() {
	d.mu.Lock()
	d.closed = true
	lns := make([]net.Listener, 0, len(d.listeners))
	for _, ln := range d.listeners {
		lns = append(lns, ln)
	}
	d.listeners = make(map[string]net.Listener)
	d.mu.Unlock()
	for _, ln := range lns {
		_ = ln.Close()
	}
}

func (d *EmulatorDriver) listenInRange(service string) (net.Listener, int, error) {
	r, ok := servicePorts[service]
	if !ok {
		return nil, 0, fmt.Errorf("unknown decoy service %q", service)
	}
	span := r[1] - r[0] + 1
	start := d.intn(span)
	for i := 0; i < span; i++ {
		port := r[0] + (start+i)%span
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.bindHost, port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port for %s in %d-%d", service, r[0], r[1])
}

func (d *EmulatorDriver) intn(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Intn(n)
}

func (d *EmulatorDriver) acceptLoop(instanceID, service string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.serve(instanceID, service, conn)
	}
}

func (d *EmulatorDriver) serve(instanceID, service string, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(sessionTimeout))

	if d.jitter > 0 {
		time.Sleep(time.Duration(d.intn(int(d.jitter))))
	}
	if banners := serviceBanners[service]; len(banners) > 0 {
		banner := banners[d.intn(len(banners))]
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		fmt.Fprintf(conn, "%s\r\n", banner)
	}

	var commands []string
	var raw strings.Builder
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, lineByteCap), lineByteCap)
	for len(commands) < sessionLineCap && sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		raw.WriteString(line)
		raw.WriteByte('\n')
		if strings.TrimSpace(line) != "" {
			commands = append(commands, line)
		}
		reply, done := d.respond(service, line, len(commands))
		if reply != "" {
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			fmt.Fprintf(conn, "%s\r\n", reply)
		}
		if done {
			break
		}
	}

	if d.OnCapture != nil && raw.Len() > 0 {
		d.OnCapture(instanceID, remoteIP(conn), commands, []byte(raw.String()))
	}
}

// respond plays just enough protocol to keep a prober typing.
func (d *EmulatorDriver) respond(service, line string, n int) (string, bool) {
	upper := strings.ToUpper(strings.TrimSpace(line))
	switch service {
	case "http":
		if upper == "" {
			// end of request head
			server := httpServerHeaders[d.intn(len(httpServerHeaders))]
			body := "<html><body>It works!</body></html>"
			return fmt.Sprintf("HTTP/1.1 200 OK\r\nServer: %s\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", server, len(body), body), true
		}
		return "", false
	case "ftp":
		switch {
		case strings.HasPrefix(upper, "USER"):
			return "331 Password required.", false
		case strings.HasPrefix(upper, "PASS"):
			return "530 Login incorrect.", false
		case strings.HasPrefix(upper, "QUIT"):
			return "221 Goodbye.", true
		default:
			return "500 Unknown command.", false
		}
	case "smtp":
		switch {
		case strings.HasPrefix(upper, "HELO"), strings.HasPrefix(upper, "EHLO"):
			return "250 mail.internal", false
		case strings.HasPrefix(upper, "QUIT"):
			return "221 Bye", true
		default:
			return "250 ok", false
		}
	case "redis":
		switch {
		case upper == "":
			return "", false
		case upper == "PING":
			return "+PONG", false
		case strings.HasPrefix(upper, "QUIT"):
			return "+OK", true
		default:
			return fmt.Sprintf("-ERR unknown command '%s'", strings.Fields(line+" x")[0]), false
		}
	case "telnet":
		if n == 1 {
			return "Password: ", false
		}
		return "Login incorrect\r\nlogin: ", false
	default:
		// ssh and anything else: swallow input until the peer gives up
		return "", false
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
