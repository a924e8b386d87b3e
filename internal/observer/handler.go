package observer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Sink receives every accepted event after it is logged. Sink failures are
// logged and never rejected back to the node.
type Sink interface {
	Accept(ctx context.Context, ev Event) error
}

var ErrNilLog = errors.New("observer: nil log")

// Hook observes accepted events synchronously, e.g. to bump counters.
type Hook func(ev Event)

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Accept(ctx context.Context, ev Event) error { return f(ctx, ev) }

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Accept(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Accept(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	// MaxBodyBytes bounds one callback body. Defaults to 16 MiB; block
	// payloads with many transactions are large.
	MaxBodyBytes int64

	Sink  Sink
	Hooks []Hook
	Log   *slog.Logger
	Now   func() time.Time
}

type handler struct {
	cfg Config
	log *Log
}

// NewHandler serves the callback paths a stacks-node posts to. Callback paths
// the harness does not track are acknowledged and discarded.
func NewHandler(log *Log, cfg Config) (http.Handler, error) {
	if log == nil {
		return nil, ErrNilLog
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &handler{cfg: cfg, log: log}

	mux := http.NewServeMux()
	for _, kind := range Kinds() {
		kind := kind
		mux.HandleFunc("POST /"+string(kind), func(w http.ResponseWriter, r *http.Request) {
			h.handleEvent(w, r, kind)
		})
	}
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, cfg.MaxBodyBytes))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux, nil
}

func (h *handler) handleEvent(w http.ResponseWriter, r *http.Request, kind Kind) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := h.log.Record(kind, body); err != nil {
		h.cfg.Log.Warn("rejecting malformed event", "kind", kind, "err", err)
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	ev := Event{Kind: kind, Payload: body, ReceivedAt: h.cfg.Now().UTC()}
	for _, hook := range h.cfg.Hooks {
		if hook != nil {
			hook(ev)
		}
	}
	if h.cfg.Sink != nil {
		if err := h.cfg.Sink.Accept(r.Context(), ev); err != nil {
			h.cfg.Log.Warn("event sink failed", "kind", kind, "err", err)
		}
	}
	h.cfg.Log.Debug("event recorded", "kind", kind, "bytes", len(body))
	w.WriteHeader(http.StatusOK)
}
