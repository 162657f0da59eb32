// Package summary accumulates the per-transfer counters each daemon
// reports to the master, backed by prometheus/client_golang counters for lock-free
// concurrent increment from many source/destination goroutines. No
// metrics server is started; exporting to Prometheus stays out of scope
// (spec.md §1) — these counters are read back directly for String()/JSON()
// rendering, never scraped.
package summary

import (
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wykurz/rcp/internal/protocol"
)

// Summary is a per-transfer counter set, safe for concurrent increment.
type Summary struct {
	filesCopied    prometheus.Counter
	filesUnchanged prometheus.Counter
	filesSkipped   prometheus.Counter
	symlinksCopied prometheus.Counter
	symlinksSkipped prometheus.Counter
	dirsCreated    prometheus.Counter
	dirsRemoved    prometheus.Counter
	bytesCopied    prometheus.Counter
	errs           prometheus.Counter
}

// New builds a fresh, zeroed Summary.
func New() *Summary {
	mk := func(name string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcp_" + name,
			Help: "rcp transfer counter: " + name,
		})
	}
	return &Summary{
		filesCopied:     mk("files_copied"),
		filesUnchanged:  mk("files_unchanged"),
		filesSkipped:    mk("files_skipped"),
		symlinksCopied:  mk("symlinks_copied"),
		symlinksSkipped: mk("symlinks_skipped"),
		dirsCreated:     mk("dirs_created"),
		dirsRemoved:     mk("dirs_removed"),
		bytesCopied:     mk("bytes_copied"),
		errs:            mk("errors"),
	}
}

func (s *Summary) AddFileCopied(bytes int64) {
	s.filesCopied.Inc()
	s.bytesCopied.Add(float64(bytes))
}
func (s *Summary) AddFileUnchanged()  { s.filesUnchanged.Inc() }
func (s *Summary) AddFileSkipped()    { s.filesSkipped.Inc() }
func (s *Summary) AddSymlinkCopied()  { s.symlinksCopied.Inc() }
func (s *Summary) AddSymlinkSkipped() { s.symlinksSkipped.Inc() }
func (s *Summary) AddDirCreated()     { s.dirsCreated.Inc() }
func (s *Summary) AddDirRemoved()     { s.dirsRemoved.Inc() }
func (s *Summary) AddError()          { s.errs.Inc() }

// counterValue reads a counter's current value back out. testutil.ToFloat64
// is ordinarily reached for from test code, but it is also the only
// public way client_golang exposes to read a Counter's value without
// wiring up a registry and scraping it, so rcp uses it here too, to
// fill in ToWire.
func counterValue(c prometheus.Collector) int64 {
	return int64(testutil.ToFloat64(c))
}

// ToWire converts Summary into the plain-integer shape carried in
// protocol.SummaryWire, for inclusion in RcpdSuccess/RcpdFailure.
func (s *Summary) ToWire() protocol.SummaryWire {
	return protocol.SummaryWire{
		FilesCopied:    counterValue(s.filesCopied),
		FilesUnchanged: counterValue(s.filesUnchanged),
		FilesSkipped:   counterValue(s.filesSkipped),
		SymlinksCopied: counterValue(s.symlinksCopied),
		DirsCreated:    counterValue(s.dirsCreated),
		BytesCopied:    counterValue(s.bytesCopied),
		Errors:         counterValue(s.errs),
	}
}

// FromWire rebuilds a renderable (but no-longer-incrementable) Summary
// from a protocol.SummaryWire, for the master to render the destination's
// authoritative summary without holding live prometheus.Counter handles
// across a process boundary.
func FromWire(w protocol.SummaryWire) *Wire {
	return &Wire{w: w}
}

// Wire is a read-only rendering of a SummaryWire.
type Wire struct{ w protocol.SummaryWire }

func (r *Wire) String() string {
	return fmt.Sprintf(
		"files: %d copied, %d unchanged, %d skipped; symlinks: %d copied; dirs: %d created; bytes: %d; errors: %d",
		r.w.FilesCopied, r.w.FilesUnchanged, r.w.FilesSkipped,
		r.w.SymlinksCopied, r.w.DirsCreated, r.w.BytesCopied, r.w.Errors,
	)
}

func (r *Wire) JSON() ([]byte, error) {
	return json.Marshal(r.w)
}
