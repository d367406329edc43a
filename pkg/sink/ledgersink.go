package sink

import (
	"context"

	"shadowwall/pkg/ledger"
)

// LedgerSink appends every entry to the local audit trail. It flushes per
// entry: an audit line that only ever lived in a buffer is worthless.
type LedgerSink struct {
	w *ledger.Writer
}

func NewLedgerSink(path string) (*LedgerSink, error) {
	w, err := ledger.NewWriter(path, "shadowwall")
	if err != nil {
		return nil, err
	}
	return &LedgerSink{w: w}, nil
}

func (s *LedgerSink) Name() string { return "ledger" }

func (s *LedgerSink) Persist(_ context.Context, e Entry) error {
	if err := s.w.Append(e.Kind, e.Payload()); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *LedgerSink) Close() error { return s.w.Close() }
