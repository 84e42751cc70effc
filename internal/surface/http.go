package surface

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/loqalabs/loqa-transcribe/internal/assets"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/nats-io/nats.go"
)

// Decoder submits a source for decoding.
type Decoder interface {
	RequestDecode(ctx context.Context, src Source) (protocol.DecodeResult, error)
	AcceptsUploads() bool
}

// Presence reports whether a healthy decoder serves model; an empty model
// matches any decoder.
type Presence interface {
	DecoderAvailable(model string) bool
}

// Handler serves the transcription HTTP API.
type Handler struct {
	cfg      config.SurfaceConfig
	decoder  Decoder
	blobs    *assets.BlobRegistry
	presence Presence
	log      *slog.Logger
}

func NewHandler(cfg config.SurfaceConfig, decoder Decoder, blobs *assets.BlobRegistry, presence Presence, log *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		decoder:  decoder,
		blobs:    blobs,
		presence: presence,
		log:      log.With(slog.String("component", "surface")),
	}
}

// Routes returns the API router, meant to be mounted under /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(corsOptions(h.cfg.AllowedOrigins)))
	r.Post("/transcriptions", h.Transcribe)
	return r
}

func corsOptions(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	// Credentials are never allowed alongside a wildcard origin.
	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}
	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}

type urlRequest struct {
	AudioURL string `json:"audio_url"`
}

// Transcribe accepts exactly one audio source, either a multipart "file"
// upload or a JSON body naming "audio_url", and responds with the decode
// result. Uploads are decoded by this node's own worker and are refused with
// 503 when it has none.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	if h.presence != nil && !h.presence.DecoderAvailable(h.cfg.Model) {
		jsonError(w, "no decode worker available", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	sel := NewSelection(h.blobs)
	defer sel.Close()

	src, status, err := h.selectSource(r, sel)
	if err != nil {
		jsonError(w, err.Error(), status)
		return
	}

	start := time.Now()
	res, err := h.decoder.RequestDecode(r.Context(), src)
	if err != nil {
		h.log.Warn("decode request failed",
			slog.String("origin", string(src.Origin)),
			slog.String("error", err.Error()))
		jsonError(w, "decode worker unreachable: "+err.Error(), transportStatus(err))
		return
	}
	h.log.Info("transcription served",
		slog.String("request_id", res.RequestID),
		slog.String("status", res.Status),
		slog.String("origin", string(src.Origin)),
		slog.Duration("elapsed", time.Since(start)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resultStatus(res))
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) selectSource(r *http.Request, sel *Selection) (Source, int, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return Source{}, http.StatusUnsupportedMediaType, errors.New("missing or invalid content type")
	}
	switch mediaType {
	case "multipart/form-data":
		if !h.decoder.AcceptsUploads() {
			return Source{}, http.StatusServiceUnavailable, errors.New("file uploads need a decode worker on this node, send audio_url instead")
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return Source{}, bodyErrorStatus(err), errors.New("invalid multipart body: " + err.Error())
		}
		defer r.MultipartForm.RemoveAll()
		if r.FormValue("audio_url") != "" {
			return Source{}, http.StatusBadRequest, errors.New("send either a file or an audio_url, not both")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return Source{}, http.StatusBadRequest, errors.New("multipart field \"file\" is required")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return Source{}, bodyErrorStatus(err), errors.New("read upload: " + err.Error())
		}
		src, err := sel.SelectFile(header.Filename, data)
		if err != nil {
			return Source{}, http.StatusBadRequest, err
		}
		return src, 0, nil
	case "application/json":
		var body urlRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return Source{}, bodyErrorStatus(err), errors.New("invalid JSON body: " + err.Error())
		}
		if body.AudioURL == "" {
			return Source{}, http.StatusBadRequest, errors.New("audio_url is required")
		}
		src, err := sel.SelectURL(body.AudioURL)
		if err != nil {
			return Source{}, http.StatusBadRequest, err
		}
		return src, 0, nil
	default:
		return Source{}, http.StatusUnsupportedMediaType, errors.New("content type must be multipart/form-data or application/json")
	}
}

func bodyErrorStatus(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func transportStatus(err error) int {
	switch {
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, ErrNoLocalWorker):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func resultStatus(res protocol.DecodeResult) int {
	switch res.Status {
	case protocol.StatusComplete:
		return http.StatusOK
	case string(stt.KindInvalidRequest):
		return http.StatusBadRequest
	case string(stt.KindAudioFetch):
		return http.StatusUnprocessableEntity
	case string(stt.KindQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
