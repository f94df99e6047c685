// Package server exposes a Graph over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/andersio/Upscale/engine"
	"github.com/andersio/Upscale/imageio"
	"github.com/andersio/Upscale/superres"
)

// MaxBodyBytes bounds the size of an uploaded image.
const MaxBodyBytes = 16 << 20

// Upscaler is the part of *superres.Graph the server needs.
type Upscaler interface {
	TryInfer(img image.Image) (*superres.Future, error)
	Config() superres.Config
	Device() string
}

type Server struct {
	up     Upscaler
	Router *mux.Router
}

func New(up Upscaler) *Server {
	s := &Server{up: up, Router: mux.NewRouter()}
	s.Router.HandleFunc("/v1/upscale", s.handleUpscale).Methods("POST")
	s.Router.HandleFunc("/v1/healthz", s.handleHealth).Methods("GET")
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	superres.Logger().Info("server: listening", "addr", addr, "device", s.up.Device())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

type health struct {
	Status    string `json:"status"`
	Device    string `json:"device"`
	Scale     int    `json:"scale"`
	InputSize int    `json:"input_size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.up.Config()
	jsonResponse(w, health{
		Status:    "ok",
		Device:    s.up.Device(),
		Scale:     cfg.Scale,
		InputSize: cfg.InputSize,
	})
}

func (s *Server) handleUpscale(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	img, _, err := imageio.DecodeBytes(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("fit") == "1" {
		if img, err = imageio.Fit(img, s.up.Config().InputSize); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	f, err := s.up.TryInfer(img)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	res, err := f.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			superres.Logger().Debug("server: client gone", "id", f.ID())
			return
		}
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	var buf bytes.Buffer
	if err := imageio.EncodePNG(&buf, res.Image); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Request-Id", res.ID)
	w.Header().Set("X-Inference-Duration", res.Elapsed.String())
	w.Write(buf.Bytes())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, superres.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrDeviceLost), errors.Is(err, engine.ErrSubmissionFailed),
		errors.Is(err, superres.ErrClosed), errors.Is(err, engine.ErrQueueClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func jsonResponse(w http.ResponseWriter, x any) {
	data, err := json.Marshal(x)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
