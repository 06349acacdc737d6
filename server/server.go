// Package server exposes the last published job state over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hrz6976/fetchmate/notify"
	logger "github.com/sirupsen/logrus"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type health struct {
	Status    string     `json:"status"`
	Published *time.Time `json:"published,omitempty"`
	Jobs      int        `json:"jobs"`
}

// NewRouter builds the chi router serving snap.
func NewRouter(snap *notify.Snapshot) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(recovery)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		views, at := snap.Jobs()
		h := health{Status: "starting", Jobs: len(views)}
		if !at.IsZero() {
			h.Status = "ok"
			h.Published = &at
		}
		writeJSON(w, http.StatusOK, envelope{Data: h})
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			views, _ := snap.Jobs()
			if status := r.URL.Query().Get("status"); status != "" {
				views = filterStatus(views, status)
			}
			sort.SliceStable(views, func(i, j int) bool { return views[i].Added.Before(views[j].Added) })
			writeJSON(w, http.StatusOK, envelope{Data: views})
		})
		r.Get("/{jobID}", func(w http.ResponseWriter, r *http.Request) {
			v, ok := snap.Job(chi.URLParam(r, "jobID"))
			if !ok {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
				return
			}
			writeJSON(w, http.StatusOK, envelope{Data: v})
		})
	})
	return r
}

// filterStatus keeps views in the given state: active, completed or failed.
func filterStatus(views []notify.View, status string) []notify.View {
	out := views[:0]
	for _, v := range views {
		var s string
		switch {
		case v.Completed == nil:
			s = "active"
		case v.Error != "":
			s = "failed"
		default:
			s = "completed"
		}
		if s == status {
			out = append(out, v)
		}
	}
	return out
}

// Run serves on addr until ctx is done.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.WithFields(logger.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Debug("request")
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logger.Fields{
					"error":  err,
					"stack":  string(debug.Stack()),
					"method": r.Method,
					"path":   r.URL.Path,
				}).Error("panic recovered")
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}
