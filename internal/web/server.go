package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lookaround/internal/controller"
	"lookaround/internal/telemetry"
)

// Controller is the slice of the orientation controller the API drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Enabled() bool
	SetEnabled(v bool)
	AlphaOffset() float64
	SetAlphaOffset(rad float64)
	State() controller.State
	Source() telemetry.Kind
	Stats() controller.Stats
	RawReceived() uint64
}

type Deps struct {
	Status     *Status
	Controller Controller
	Rotations  *RotationBroadcaster
	Logs       *LogBuffer
	Logger     *zap.Logger
	// SessionContext is the parent of sessions started over the API. It outlives the
	// request that started them.
	SessionContext context.Context
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only and meant for local dashboards.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const streamWriteTimeout = 2 * time.Second

type AlphaOffsetRequest struct {
	Radians *float64 `json:"radians"`
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.SessionContext == nil {
		d.SessionContext = context.Background()
	}
	logger := d.Logger.Named("web")
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC())
		if d.Controller != nil {
			cs := controllerStatus(d.Controller)
			snap.Controller = &cs
		}
		if last, ok := d.Rotations.Last(); ok {
			snap.Rotation = &last
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("/api/rotation", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		last, ok := d.Rotations.Last()
		if !ok {
			http.Error(w, "no rotation rendered yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, last)
	})

	mux.HandleFunc("/api/stream", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if d.Rotations == nil {
			http.Error(w, "stream unavailable", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		streamRotations(conn, d.Rotations, logger)
	})

	// Controller actions.
	action := func(path string, fn func(Controller) error) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if !allowMethod(w, r, http.MethodPost) {
				return
			}
			if d.Controller == nil {
				http.Error(w, "controller unavailable", http.StatusNotFound)
				return
			}
			if err := fn(d.Controller); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, controller.ErrAlreadyConnected) {
					status = http.StatusConflict
				}
				http.Error(w, err.Error(), status)
				return
			}
			writeJSON(w, http.StatusOK, controllerStatus(d.Controller))
		})
	}
	action("/api/controller/connect", func(c Controller) error { return c.Connect(d.SessionContext) })
	action("/api/controller/disconnect", func(c Controller) error { return c.Disconnect() })
	action("/api/controller/enable", func(c Controller) error { c.SetEnabled(true); return nil })
	action("/api/controller/disable", func(c Controller) error { c.SetEnabled(false); return nil })

	mux.HandleFunc("/api/controller/alpha-offset", func(w http.ResponseWriter, r *http.Request) {
		if d.Controller == nil {
			http.Error(w, "controller unavailable", http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]float64{"radians": d.Controller.AlphaOffset()})
		case http.MethodPut:
			var req AlphaOffsetRequest
			dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
				return
			}
			if req.Radians == nil || math.IsNaN(*req.Radians) || math.IsInf(*req.Radians, 0) {
				http.Error(w, "radians must be a finite number", http.StatusBadRequest)
				return
			}
			d.Controller.SetAlphaOffset(*req.Radians)
			logger.Info("alpha offset changed", zap.Float64("radians", *req.Radians))
			writeJSON(w, http.StatusOK, controllerStatus(d.Controller))
		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>lookaround</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>lookaround</h1>")
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/rotation\">/api/rotation</a> and <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>mode=%s\ninterval=%s\nframes_rendered=%d\nlast_tick_utc=%s</pre>",
			snap.Mode, snap.Interval, snap.FramesRendered, snap.LastTickUTC)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func controllerStatus(c Controller) ControllerStatus {
	return ControllerStatus{
		State:          c.State().String(),
		Source:         c.Source().String(),
		Enabled:        c.Enabled(),
		AlphaOffsetRad: c.AlphaOffset(),
		RawReceived:    c.RawReceived(),
		Stats:          c.Stats(),
	}
}

// streamRotations writes every broadcast snapshot to conn until the client goes away.
func streamRotations(conn *websocket.Conn, b *RotationBroadcaster, logger *zap.Logger) {
	id, ch := b.Subscribe(4)
	defer b.Unsubscribe(id)
	defer conn.Close()

	// Reads only detect the close; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Debug("stream client dropped", zap.Error(err))
				return
			}
		}
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("web listening", zap.String("addr", listenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
