// Package ingest runs the QUIC telemetry listener. Collectors open a
// stream and send newline-delimited JSON events; single events may also
// arrive as datagrams. The listener validates, submits to the engine, and
// acknowledges each stream with accept/reject/drop counts.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"shadowwall/pkg/engine"
	"shadowwall/pkg/telemetry"
)

// alpnProtocol is the ALPN token collectors must offer.
const alpnProtocol = "shadowwall-telemetry"

var (
	mConns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "ingest", Name: "quic_conns_total",
		Help: "QUIC connections accepted",
	})
	mWireEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "ingest", Name: "quic_events_total",
		Help: "Events received over QUIC by transport and outcome",
	}, []string{"transport", "outcome"})
)

func init() {
	_ = prometheus.Register(mConns)
	_ = prometheus.Register(mWireEvents)
}

// Submitter is the engine-facing edge of the listener.
type Submitter interface {
	Submit(telemetry.Event) error
}

type Listener struct {
	addr          string
	maxEventBytes int
	sub           Submitter
	tlsConf       *tls.Config
	log           zerolog.Logger

	mu sync.Mutex
	ln *quic.Listener
}

// NewListener builds a QUIC telemetry listener. tlsConf may be nil, in
// which case a self-signed certificate is generated at startup.
func NewListener(addr string, maxEventBytes int, sub Submitter, tlsConf *tls.Config, log zerolog.Logger) *Listener {
	return &Listener{
		addr:          addr,
		maxEventBytes: maxEventBytes,
		sub:           sub,
		tlsConf:       tlsConf,
		log:           log.With().Str("component", "ingest").Logger(),
	}
}

// Start binds the UDP socket and begins accepting connections in the
// background. Cancelling ctx closes the listener.
func (l *Listener) Start(ctx context.Context) error {
	tlsConf := l.tlsConf
	if tlsConf == nil {
		var err error
		tlsConf, err = selfSignedTLS()
		if err != nil {
			return fmt.Errorf("ingest: self-signed cert: %w", err)
		}
		l.log.Warn().Msg("no TLS config provided, using a self-signed certificate")
	}
	qconf := &quic.Config{
		MaxIncomingStreams:    256,
		MaxIncomingUniStreams: 256,
		EnableDatagrams:       true,
		MaxIdleTimeout:        45 * time.Second,
		KeepAlivePeriod:       15 * time.Second,
		Allow0RTT:             true,
	}
	ln, err := quic.ListenAddr(l.addr, tlsConf, qconf)
	if err != nil {
		return fmt.Errorf("ingest: listen %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.log.Info().Str("addr", ln.Addr().String()).Msg("quic telemetry listener up")

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	go l.acceptLoop(ctx, ln)
	return nil
}

// Addr reports the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}

func (l *Listener) acceptLoop(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Debug().Err(err).Msg("quic accept loop stopped")
			}
			return
		}
		mConns.Inc()
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn quic.Connection) {
	defer conn.CloseWithError(0, "bye")
	go l.handleDatagrams(ctx, conn)
	go l.acceptUniStreams(ctx, conn)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go l.handleStream(stream)
	}
}

// acceptUniStreams serves fire-and-forget senders: same wire format as
// bidirectional streams, no ack.
func (l *Listener) acceptUniStreams(ctx context.Context, conn quic.Connection) {
	for {
		st, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func() { l.scanEvents(st) }()
	}
}

type ack struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Dropped  int `json:"dropped"`
}

func (l *Listener) handleStream(st quic.Stream) {
	defer st.Close()
	a := l.scanEvents(st)
	_ = json.NewEncoder(st).Encode(a)
}

func (l *Listener) scanEvents(r io.Reader) ack {
	var a ack
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), l.maxEventBytes+4096)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		l.submitWire(line, "stream", &a)
	}
	if err := sc.Err(); err != nil {
		a.Rejected++
		mWireEvents.WithLabelValues("stream", "rejected").Inc()
		l.log.Debug().Err(err).Msg("telemetry stream truncated")
	}
	return a
}

func (l *Listener) handleDatagrams(ctx context.Context, conn quic.Connection) {
	for {
		b, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if isPing(b) {
			_ = conn.SendDatagram([]byte(`{"pong":true}`))
			continue
		}
		l.submitWire(b, "datagram", &ack{})
	}
}

func (l *Listener) submitWire(raw []byte, transport string, a *ack) {
	ev, err := telemetry.Parse(raw, l.maxEventBytes)
	if err != nil {
		a.Rejected++
		mWireEvents.WithLabelValues(transport, "rejected").Inc()
		return
	}
	switch err := l.sub.Submit(ev); {
	case err == nil:
		a.Accepted++
		mWireEvents.WithLabelValues(transport, "accepted").Inc()
	case errors.Is(err, engine.ErrQueueFull):
		a.Dropped++
		mWireEvents.WithLabelValues(transport, "dropped").Inc()
	default:
		a.Rejected++
		mWireEvents.WithLabelValues(transport, "rejected").Inc()
	}
}

// isPing spots a liveness probe without paying for a full JSON parse.
func isPing(b []byte) bool {
	return len(b) <= 64 && bytes.Contains(b, []byte(`"ping"`))
}

func selfSignedTLS() (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "shadowwall-ingest"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProtocol},
	}, nil
}
