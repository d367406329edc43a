// Package features turns telemetry events into fixed-shape numeric vectors.
// Extraction is pure: same window in, same vector out, no I/O.
package features

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"shadowwall/pkg/telemetry"
)

// VectorSchemaVersion identifies the feature layout below. Consumers must
// refuse vectors with a version they do not recognize instead of guessing
// field order.
const VectorSchemaVersion = 1

// VectorLen is the fixed feature count of schema version 1.
const VectorLen = 32

// ErrSchemaMismatch is returned by consumers handed a vector with an
// unexpected schema version.
var ErrSchemaMismatch = errors.New("feature vector schema mismatch")

// Feature indices, in wire order.
const (
	FPktLt64 = iota
	FPkt64to512
	FPkt512to1500
	FPktGe1500
	FPktSizeNorm
	FSrcPrivate
	FSrcLoopback
	FSrcMulticast
	FSrcFirstOctet
	FSrcLastOctet
	FDstPortNorm
	FDstWellKnown
	FDstRegistered
	FDstEphemeral
	FProtoTCP
	FProtoUDP
	FProtoICMP
	FProtoOther
	FProtoWeight
	FHourNorm
	FBusinessHours
	FNight
	FWeekend
	FPayloadLenNorm
	FPayloadEntropy
	FPayloadPrintable
	FPayloadHexLike
	FRateEventsPerSec
	FUniqDstPorts
	FUniqDstIPs
	FBytesTotal
	FInterArrivalCV
)

var featureNames = [VectorLen]string{
	"pkt_lt64", "pkt_64_512", "pkt_512_1500", "pkt_ge1500", "pkt_size_norm",
	"src_private", "src_loopback", "src_multicast", "src_first_octet", "src_last_octet",
	"dst_port_norm", "dst_well_known", "dst_registered", "dst_ephemeral",
	"proto_tcp", "proto_udp", "proto_icmp", "proto_other", "proto_weight",
	"hour_norm", "business_hours", "night", "weekend",
	"payload_len_norm", "payload_entropy", "payload_printable", "payload_hex_like",
	"rate_events_per_sec", "uniq_dst_ports", "uniq_dst_ips", "bytes_total", "inter_arrival_cv",
}

// Names returns the schema v1 feature names in wire order.
func Names() []string {
	out := make([]string, VectorLen)
	copy(out, featureNames[:])
	return out
}

// Vector is one extracted feature set. Values are all normalized into [0,1].
type Vector struct {
	SchemaVersion int                `json:"schema_version"`
	EntityKey     string             `json:"entity_key"`
	Timestamp     time.Time          `json:"timestamp"`
	Values        [VectorLen]float64 `json:"values"`
}

// Extractor derives vectors from an event plus a bounded window of the
// entity's preceding events.
type Extractor struct {
	windowEvents int
	windowSpan   time.Duration
}

func NewExtractor(windowEvents int, windowSpan time.Duration) *Extractor {
	if windowEvents <= 0 {
		windowEvents = 32
	}
	if windowSpan <= 0 {
		windowSpan = 5 * time.Minute
	}
	return &Extractor{windowEvents: windowEvents, windowSpan: windowSpan}
}

// Extract computes the vector for the newest event in window. The window must
// be in non-decreasing time order with the current event last; older entries
// beyond the extractor's count or time bounds are ignored.
func (x *Extractor) Extract(window []telemetry.Event) (Vector, error) {
	if len(window) == 0 {
		return Vector{}, &telemetry.MalformedInputError{Field: "window", Reason: "empty"}
	}
	cur := window[len(window)-1]
	if strings.TrimSpace(cur.Attributes.Protocol) == "" {
		return Vector{}, &telemetry.MalformedInputError{Field: "attributes.protocol", Reason: "required"}
	}
	srcIP := cur.Attributes.SourceIP
	if srcIP == "" {
		srcIP = cur.EntityKey
	}
	ip := net.ParseIP(srcIP)
	if ip == nil {
		return Vector{}, &telemetry.MalformedInputError{Field: "attributes.source_ip", Reason: fmt.Sprintf("not an address: %q", srcIP)}
	}

	v := Vector{SchemaVersion: VectorSchemaVersion, EntityKey: cur.EntityKey, Timestamp: cur.Timestamp}

	size := cur.Attributes.PacketSize
	switch {
	case size < 64:
		v.Values[FPktLt64] = 1
	case size < 512:
		v.Values[FPkt64to512] = 1
	case size < 1500:
		v.Values[FPkt512to1500] = 1
	default:
		v.Values[FPktGe1500] = 1
	}
	v.Values[FPktSizeNorm] = clamp01(float64(size) / 1500)

	if ip.IsPrivate() {
		v.Values[FSrcPrivate] = 1
	}
	if ip.IsLoopback() {
		v.Values[FSrcLoopback] = 1
	}
	if ip.IsMulticast() {
		v.Values[FSrcMulticast] = 1
	}
	if ip4 := ip.To4(); ip4 != nil {
		v.Values[FSrcFirstOctet] = float64(ip4[0]) / 255
		v.Values[FSrcLastOctet] = float64(ip4[3]) / 255
	} else {
		v.Values[FSrcFirstOctet] = float64(ip[0]) / 255
		v.Values[FSrcLastOctet] = float64(ip[len(ip)-1]) / 255
	}

	port := cur.Attributes.DestPort
	v.Values[FDstPortNorm] = float64(port) / 65535
	switch {
	case port > 0 && port < 1024:
		v.Values[FDstWellKnown] = 1
	case port >= 49152:
		v.Values[FDstEphemeral] = 1
	case port >= 1024:
		v.Values[FDstRegistered] = 1
	}

	switch strings.ToLower(cur.Attributes.Protocol) {
	case "tcp":
		v.Values[FProtoTCP] = 1
		v.Values[FProtoWeight] = 1.0
	case "udp":
		v.Values[FProtoUDP] = 1
		v.Values[FProtoWeight] = 0.8
	case "icmp":
		v.Values[FProtoICMP] = 1
		v.Values[FProtoWeight] = 0.6
	default:
		v.Values[FProtoOther] = 1
		v.Values[FProtoWeight] = 0.3
	}

	ts := cur.Timestamp.UTC()
	hour := ts.Hour()
	v.Values[FHourNorm] = float64(hour) / 24
	if hour >= 9 && hour < 17 {
		v.Values[FBusinessHours] = 1
	}
	if hour < 6 || hour > 22 {
		v.Values[FNight] = 1
	}
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		v.Values[FWeekend] = 1
	}

	payload := cur.Attributes.Payload
	v.Values[FPayloadLenNorm] = clamp01(float64(len(payload)) / 1500)
	if len(payload) > 0 {
		v.Values[FPayloadEntropy] = shannonEntropy(payload) / 8
		v.Values[FPayloadPrintable] = printableRatio(payload)
		v.Values[FPayloadHexLike] = hexLikeRatio(payload)
	}

	x.windowFeatures(&v, boundWindow(window, x.windowEvents, x.windowSpan))
	return v, nil
}

// boundWindow trims to the newest count events within span of the last event.
func boundWindow(window []telemetry.Event, count int, span time.Duration) []telemetry.Event {
	if len(window) > count {
		window = window[len(window)-count:]
	}
	cutoff := window[len(window)-1].Timestamp.Add(-span)
	for i := range window {
		if !window[i].Timestamp.Before(cutoff) {
			return window[i:]
		}
	}
	return window[len(window)-1:]
}

func (x *Extractor) windowFeatures(v *Vector, window []telemetry.Event) {
	ports := map[int]struct{}{}
	ips := map[string]struct{}{}
	var bytesTotal int64
	for i := range window {
		a := window[i].Attributes
		if a.DestPort > 0 {
			ports[a.DestPort] = struct{}{}
		}
		if a.DestIP != "" {
			ips[a.DestIP] = struct{}{}
		}
		bytesTotal += a.BytesIn + a.BytesOut + int64(a.PacketSize)
	}
	if n := len(window); n > 1 {
		span := window[n-1].Timestamp.Sub(window[0].Timestamp)
		if span < time.Second {
			span = time.Second
		}
		v.Values[FRateEventsPerSec] = clamp01(float64(n-1) / span.Seconds() / 100)

		gaps := make([]float64, 0, n-1)
		for i := 1; i < n; i++ {
			gaps = append(gaps, window[i].Timestamp.Sub(window[i-1].Timestamp).Seconds())
		}
		mean, std := meanStd(gaps)
		if mean > 0 {
			v.Values[FInterArrivalCV] = clamp01(std / mean)
		}
	}
	v.Values[FUniqDstPorts] = clamp01(float64(len(ports)) / float64(x.windowEvents))
	v.Values[FUniqDstIPs] = clamp01(float64(len(ips)) / float64(x.windowEvents))
	if bytesTotal > 0 {
		v.Values[FBytesTotal] = clamp01(math.Log10(1+float64(bytesTotal)) / 6)
	}
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	total := float64(len(s))
	entropy := 0.0
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func printableRatio(s string) float64 {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x20 && s[i] <= 0x7e {
			n++
		}
	}
	return float64(n) / float64(len(s))
}

func hexLikeRatio(s string) float64 {
	n, total := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			continue
		}
		total++
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			n++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	varSum := 0.0
	for _, x := range xs {
		d := x - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(xs)))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
