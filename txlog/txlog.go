// Package txlog implements the tx capture/log component (C7): a bounded
// in-memory queue fed by the source DB's commit hook, a durable
// append-only on-disk log drained from that queue, and a cursor-based
// reader that replays captured commits into a target. Grounded on
// coordinator.Coordinator's `tasks` channel backpressure pattern
// (Capture), store.FileStore's atomic-write discipline generalized to an
// append+fsync loop (Appender), and writer.DynamoDBWriter's idempotent
// retry shape (Reader: replaying an already-loaded tuple is a no-op).
package txlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/gurre/ddlog-backup/codec"
	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/sourcedb"
)

// DefaultCapacity is the bounded channel size between Capture and Appender,
// per spec §4.7.
const DefaultCapacity = 10_000

// DefaultFlushEvery is the entry count threshold Appender fsyncs at.
const DefaultFlushEvery = 100

// DefaultFlushInterval is the wall-clock threshold Appender fsyncs at.
const DefaultFlushInterval = time.Second

// Capture implements sourcedb.Listener, buffering tx-reports on a bounded
// channel so a slow durable-log writer applies backpressure to the
// source DB's commit path rather than dropping commits, per spec §5's
// capture-completeness invariant.
type Capture struct {
	reports   chan sourcedb.TxReport
	logger    zerolog.Logger
	closeOnce sync.Once
}

// NewCapture constructs a Capture with the given channel capacity (falls
// back to DefaultCapacity if capacity <= 0).
func NewCapture(capacity int, logger zerolog.Logger) *Capture {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Capture{reports: make(chan sourcedb.TxReport, capacity), logger: logger}
}

// OnCommit implements sourcedb.Listener. It blocks once the channel is at
// capacity, which is the intended backpressure: a subscriber that can't
// keep up slows down the writer rather than silently losing commits.
func (c *Capture) OnCommit(report sourcedb.TxReport) {
	c.reports <- report
}

// Reports exposes the capture channel for an Appender (or test) to drain.
func (c *Capture) Reports() <-chan sourcedb.TxReport { return c.reports }

// Pending reports how many commits are currently buffered, waiting for
// the Appender to drain them — used by migration's catch-up quiescence
// check to tell "queue empty" from "queue still draining."
func (c *Capture) Pending() int { return len(c.reports) }

// Close closes the underlying channel, signaling no further commits will
// arrive. Safe to call more than once. The caller must first unsubscribe
// from the source DB so OnCommit is never called after Close.
func (c *Capture) Close() {
	c.closeOnce.Do(func() { close(c.reports) })
}

// entry is the on-disk JSON-lines record written by Appender and read by
// Reader. Tuples are carried as a base64-encoded codec-encoded payload,
// reusing the tuple wire format the backup pipeline already writes rather
// than inventing a second tuple serialization for the tx log.
type entry struct {
	T           int64     `json:"t"`
	CommittedAt time.Time `json:"committed_at"`
	Tuples      string    `json:"tuples"`
}

// Appender drains a Capture's channel to a durable append-only log file,
// one JSON line per tx-report, fsyncing every flushEvery entries or
// flushInterval, whichever comes first.
type Appender struct {
	f             *os.File
	w             *bufio.Writer
	flushEvery    int
	flushInterval time.Duration
	logger        zerolog.Logger

	mu         sync.Mutex
	sinceFlush int
	lastFlush  time.Time
}

// NewAppender opens (creating if absent) the log file at path for
// appending.
func NewAppender(path string, flushEvery int, flushInterval time.Duration, logger zerolog.Logger) (*Appender, error) {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, ddlogerr.Wrap(ddlogerr.Resource, "failed to open tx log for append", err)
	}
	return &Appender{
		f:             f,
		w:             bufio.NewWriter(f),
		flushEvery:    flushEvery,
		flushInterval: flushInterval,
		logger:        logger,
		lastFlush:     time.Now(),
	}, nil
}

// Append encodes report's tuples as a single codec chunk, base64s the
// result into a JSON line, and appends it, fsyncing once the flush
// threshold is reached.
func (a *Appender) Append(report sourcedb.TxReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf bytes.Buffer
	if _, err := codec.Encode(&buf, uint64(report.T), report.Tuples, 0); err != nil {
		return err
	}

	line, err := json.Marshal(entry{
		T:           report.T,
		CommittedAt: report.CommittedAt,
		Tuples:      base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Data, "failed to marshal tx log entry", err)
	}
	if _, err := a.w.Write(line); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed to write tx log entry", err)
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed to write tx log entry", err)
	}

	a.sinceFlush++
	if a.sinceFlush >= a.flushEvery || time.Since(a.lastFlush) >= a.flushInterval {
		return a.flushLocked()
	}
	return nil
}

func (a *Appender) flushLocked() error {
	if err := a.w.Flush(); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed to flush tx log buffer", err)
	}
	if err := a.f.Sync(); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed to fsync tx log", err)
	}
	a.sinceFlush = 0
	a.lastFlush = time.Now()
	return nil
}

// Run drains capture's channel, appending every report durably, until the
// channel is closed or ctx is canceled. Either way it closes and returns.
func (a *Appender) Run(ctx context.Context, capture *Capture) error {
	for {
		select {
		case report, ok := <-capture.Reports():
			if !ok {
				return a.Close()
			}
			if err := a.Append(report); err != nil {
				_ = a.Close()
				return err
			}
		case <-ctx.Done():
			return a.Close()
		}
	}
}

// Flush forces any buffered entries to disk immediately, bypassing the
// flushEvery/flushInterval cadence — used by migration's catch-up poll so
// it can observe very recent appends without waiting for the next
// scheduled flush.
func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Close flushes any buffered entries, fsyncs, and closes the file.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.flushLocked(); err != nil {
		_ = a.f.Close()
		return err
	}
	if err := a.f.Close(); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed to close tx log", err)
	}
	return nil
}

// Reader replays a durable tx log into a target, per spec §4.7's at-least-
// once replay contract.
type Reader struct {
	path string
}

// NewReader constructs a Reader over the log file at path.
func NewReader(path string) *Reader { return &Reader{path: path} }

// ReplayFrom streams entries with t > afterT into dest via LoadPreFormed,
// in file order (already strictly increasing t, the order Appender wrote
// them), returning the last t replayed so the caller can persist a new
// cursor. A missing log file (capture never started) replays nothing.
// A caller that crashes mid-replay and resumes from the same afterT hands
// the already-replayed entries to LoadPreFormed again — at-least-once, not
// exactly-once; ReplayFrom does not skip tuples dest already holds.
func (r *Reader) ReplayFrom(ctx context.Context, afterT int64, dest sourcedb.TargetDB) (int64, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return afterT, nil
		}
		return afterT, ddlogerr.Wrap(ddlogerr.Resource, "failed to open tx log for replay", err)
	}
	defer f.Close()

	lastT := afterT
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return lastT, ctx.Err()
		default:
		}

		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return lastT, ddlogerr.Wrap(ddlogerr.Data, "corrupt tx log entry", err)
		}
		if e.T <= afterT {
			continue
		}

		tuples, err := decodeEntryTuples(e)
		if err != nil {
			return lastT, err
		}
		if err := dest.LoadPreFormed(ctx, tuples); err != nil {
			return lastT, err
		}
		lastT = e.T
	}
	if err := scanner.Err(); err != nil {
		return lastT, ddlogerr.Wrap(ddlogerr.Resource, "failed reading tx log", err)
	}
	return lastT, nil
}

func decodeEntryTuples(e entry) ([]sourcedb.Tuple, error) {
	raw, err := base64.StdEncoding.DecodeString(e.Tuples)
	if err != nil {
		return nil, ddlogerr.Wrap(ddlogerr.Data, "corrupt tx log entry encoding", err)
	}
	dec, err := codec.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var tuples []sourcedb.Tuple
	for {
		t, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}
