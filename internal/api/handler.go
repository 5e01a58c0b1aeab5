// Package api exposes the narrator pipelines over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/storyteller/internal/narrator"
	"github.com/loqalabs/storyteller/internal/speech"
)

const multipartMemory = 8 << 20

type Pipeline interface {
	GenerateStory(ctx context.Context, up narrator.Upload) (narrator.StoryOutput, error)
	GenerateAudio(ctx context.Context, text string) (speech.Artifact, error)
}

type Options struct {
	MaxUploadBytes int64
	StaticDir      string
	PublicPrefix   string
}

type Handler struct {
	pipeline Pipeline
	opts     Options
	logger   *slog.Logger
}

type storyResponse struct {
	Story     string `json:"story"`
	Image     string `json:"image"`
	ImagePath string `json:"image_path"`
	Outcome   string `json:"outcome"`
}

type audioRequest struct {
	Text *string `json:"text"`
}

type audioResponse struct {
	AudioPath string `json:"audio_path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(pipeline Pipeline, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	opts.PublicPrefix = "/" + strings.Trim(opts.PublicPrefix, "/")
	return &Handler{
		pipeline: pipeline,
		opts:     opts,
		logger:   logger.With(slog.String("component", "api")),
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /generate_story", h.handleGenerateStory)
	mux.HandleFunc("POST /generate_audio", h.handleGenerateAudio)
	if h.opts.StaticDir != "" {
		files := http.StripPrefix(h.opts.PublicPrefix, http.FileServer(http.Dir(h.opts.StaticDir)))
		mux.Handle("GET "+h.opts.PublicPrefix+"/", noListing(files))
	}
}

func (h *Handler) handleGenerateStory(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "Image exceeds the upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "No image uploaded")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		// A form field sent without a filename is a file input left empty.
		if _, selected := r.MultipartForm.Value["image"]; selected {
			writeError(w, http.StatusBadRequest, "No image selected")
			return
		}
		writeError(w, http.StatusBadRequest, "No image uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("failed to read upload", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out, err := h.pipeline.GenerateStory(r.Context(), narrator.Upload{Filename: header.Filename, Data: data})
	if err != nil {
		h.logger.Warn("story request failed",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, storyResponse{
		Story:     out.Result.Message(),
		Image:     out.ImageBase64,
		ImagePath: out.ImagePath,
		Outcome:   string(out.Result.Kind),
	})
}

func (h *Handler) handleGenerateAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == nil {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}

	art, err := h.pipeline.GenerateAudio(r.Context(), *req.Text)
	if err != nil {
		h.logger.Error("audio request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, audioResponse{AudioPath: art.PublicPath})
}

func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
