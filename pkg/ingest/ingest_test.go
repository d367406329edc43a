package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"shadowwall/pkg/engine"
	"shadowwall/pkg/telemetry"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
	err    error
}

func (f *fakeSubmitter) Submit(ev telemetry.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeSubmitter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.EntityKey)
	}
	return out
}

func startListener(t *testing.T, sub Submitter) *Listener {
	t.Helper()
	l := NewListener("127.0.0.1:0", 4096, sub, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dialListener(t *testing.T, l *Listener) quic.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, l.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}, &quic.Config{EnableDatagrams: true})
	if err != nil {
		t.Fatalf("dial %s: %v", l.Addr(), err)
	}
	t.Cleanup(func() { _ = conn.CloseWithError(0, "done") })
	return conn
}

func wireEvent(t *testing.T, entity string) []byte {
	t.Helper()
	b, err := json.Marshal(telemetry.Event{
		SchemaVersion: telemetry.SchemaVersion,
		EntityKey:     entity,
		Timestamp:     time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		Attributes: telemetry.Attributes{
			SourceIP: entity, DestPort: 443, Protocol: "tcp", PacketSize: 400,
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStreamBatchWithAck(t *testing.T) {
	fake := &fakeSubmitter{}
	l := startListener(t, fake)
	conn := dialListener(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	var buf bytes.Buffer
	buf.Write(wireEvent(t, "10.0.0.1"))
	buf.WriteByte('\n')
	buf.Write(wireEvent(t, "10.0.0.2"))
	buf.WriteByte('\n')
	buf.WriteString("\n")
	buf.WriteString("not-json\n")
	buf.Write(wireEvent(t, "10.0.0.3"))
	buf.WriteByte('\n')
	if _, err := st.Write(buf.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Half-close so the server sees EOF and answers on the read side.
	if err := st.Close(); err != nil {
		t.Fatalf("close write side: %v", err)
	}

	var got ack
	if err := json.NewDecoder(st).Decode(&got); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if got.Accepted != 3 || got.Rejected != 1 || got.Dropped != 0 {
		t.Fatalf("ack = %+v, want 3 accepted / 1 rejected / 0 dropped", got)
	}
	if n := fake.count(); n != 3 {
		t.Fatalf("submitted %d events, want 3", n)
	}
	keys := strings.Join(fake.keys(), ",")
	for _, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if !strings.Contains(keys, want) {
			t.Fatalf("submitted keys %q missing %s", keys, want)
		}
	}
}

func TestStreamReportsSheddingAsDropped(t *testing.T) {
	fake := &fakeSubmitter{err: engine.ErrQueueFull}
	l := startListener(t, fake)
	conn := dialListener(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := st.Write(append(wireEvent(t, "10.0.0.9"), '\n')); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close write side: %v", err)
	}
	var got ack
	if err := json.NewDecoder(st).Decode(&got); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if got.Dropped != 2 || got.Accepted != 0 {
		t.Fatalf("ack = %+v, want 2 dropped", got)
	}
}

func TestStreamRejectsOversizedLine(t *testing.T) {
	fake := &fakeSubmitter{}
	l := startListener(t, fake)
	conn := dialListener(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	// Larger than the scanner's maxEventBytes+4096 budget.
	if _, err := st.Write(append(bytes.Repeat([]byte("x"), 10_000), '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close write side: %v", err)
	}
	var got ack
	if err := json.NewDecoder(st).Decode(&got); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if got.Rejected == 0 {
		t.Fatalf("ack = %+v, want at least one rejection", got)
	}
	if fake.count() != 0 {
		t.Fatalf("oversized line must not reach the engine")
	}
}

func TestUniStreamFireAndForget(t *testing.T) {
	fake := &fakeSubmitter{}
	l := startListener(t, fake)
	conn := dialListener(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		t.Fatalf("open uni stream: %v", err)
	}
	for _, entity := range []string{"10.0.1.1", "10.0.1.2"} {
		if _, err := st.Write(append(wireEvent(t, entity), '\n')); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool { return fake.count() == 2 })
}

func TestDatagramEventSubmitted(t *testing.T) {
	fake := &fakeSubmitter{}
	l := startListener(t, fake)
	conn := dialListener(t, l)

	payload := wireEvent(t, "10.0.0.7")
	waitUntil(t, 3*time.Second, func() bool {
		_ = conn.SendDatagram(payload)
		return fake.count() >= 1
	})
	if fake.keys()[0] != "10.0.0.7" {
		t.Fatalf("entity = %s, want 10.0.0.7", fake.keys()[0])
	}
}

func TestDatagramPingPong(t *testing.T) {
	fake := &fakeSubmitter{}
	l := startListener(t, fake)
	conn := dialListener(t, l)

	if err := conn.SendDatagram([]byte(`{"ping":true}`)); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := conn.ReceiveDatagram(ctx)
	if err != nil {
		t.Fatalf("receive pong: %v", err)
	}
	if !bytes.Contains(reply, []byte("pong")) {
		t.Fatalf("reply = %s, want pong", reply)
	}
	if fake.count() != 0 {
		t.Fatalf("ping must not be submitted as an event")
	}
}

func TestSelfSignedTLSFallback(t *testing.T) {
	cfg, err := selfSignedTLS()
	if err != nil {
		t.Fatalf("selfSignedTLS: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("want one certificate, got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != alpnProtocol {
		t.Fatalf("NextProtos = %v", cfg.NextProtos)
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	if leaf.Subject.CommonName != "shadowwall-ingest" {
		t.Fatalf("CN = %s", leaf.Subject.CommonName)
	}
}

func TestStartRejectsBadAddr(t *testing.T) {
	l := NewListener("127.0.0.1:99999", 4096, &fakeSubmitter{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err == nil {
		_ = l.Close()
		t.Fatal("want error for invalid port")
	}
}
