// Package server exposes the pipeline entry points over HTTP, for CI
// systems that trigger runs with a webhook instead of invoking the CLI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
	"github.com/fixentropy-io/daggerverse/pkg/npm"
	"github.com/fixentropy-io/daggerverse/pkg/pipeline"
	"github.com/fixentropy-io/daggerverse/pkg/syncs"
)

// Cap on request bodies. Inline sources are small manifests and configs.
const maxBodyBytes = 8 << 20

// Runner runs pipeline entry points. It is implemented by
// [pipeline.Pipeline].
type Runner interface {
	OnPullRequest(ctx context.Context, url, branch string) (*pipeline.Result, error)
	OnPublish(ctx context.Context, req pipeline.PublishRequest) (*pipeline.Result, error)
	Publish(ctx context.Context, req pipeline.PublishRequest) (*pipeline.Result, error)
	PublishRelease(ctx context.Context, req pipeline.ReleaseRequest) (*pipeline.Result, error)
	LatestTag(ctx context.Context, url string) (string, error)
	PackageName(ctx context.Context, src pipeline.SourceSpec) (string, error)
}

var _ Runner = (*pipeline.Pipeline)(nil)

// PullRequestBody is the body of POST /v1/pull-request.
type PullRequestBody struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// PublishBody is the body of POST /v1/on-publish and POST /v1/publish.
// Files, when set, is the package source keyed by relative path.
type PublishBody struct {
	Token  string            `json:"token"`
	Files  map[string]string `json:"files,omitempty"`
	GitURL string            `json:"gitUrl,omitempty"`
	Branch string            `json:"branch,omitempty"`
	Tag    string            `json:"tag,omitempty"`
}

// ReleaseBody is the body of POST /v1/publish-release.
type ReleaseBody struct {
	OIDCURL   string `json:"oidcUrl"`
	OIDCToken string `json:"oidcToken"`
	GitURL    string `json:"gitUrl"`
}

// ErrorBody is returned with every non-2xx status.
type ErrorBody struct {
	Error    string           `json:"error"`
	Category string           `json:"category,omitempty"`
	Step     string           `json:"step,omitempty"`
	ExitCode int              `json:"exitCode,omitempty"`
	Stdout   string           `json:"stdout,omitempty"`
	Stderr   string           `json:"stderr,omitempty"`
	Result   *pipeline.Result `json:"result,omitempty"`
}

// Server routes requests to a [Runner]. Publishes of the same package run
// one at a time, whatever their source.
type Server struct {
	runner Runner
	logger *slog.Logger
	locks  syncs.KeyLocker
}

// New creates a [Server].
func New(runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{runner: runner, logger: logger, locks: syncs.NewKeyLock()}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pull-request", s.handlePullRequest)
		r.Post("/on-publish", s.handlePublish(pipeline.EntryOnPublish))
		r.Post("/publish", s.handlePublish(pipeline.EntryPublish))
		r.Post("/publish-release", s.handlePublishRelease)
		r.Get("/latest-tag", s.handleLatestTag)
	})

	return otelhttp.NewHandler(r, "npmci")
}

func (s *Server) handlePullRequest(w http.ResponseWriter, r *http.Request) {
	var body PullRequestBody
	if !s.decode(w, r, &body) {
		return
	}

	res, err := s.runner.OnPullRequest(r.Context(), body.URL, body.Branch)
	s.respond(w, r, res, err)
}

func (s *Server) handlePublish(entry string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body PublishBody
		if !s.decode(w, r, &body) {
			return
		}

		var src *engine.Tree
		if len(body.Files) > 0 {
			t := engine.Files(body.Files)
			src = &t
		}

		var token *engine.Secret
		if body.Token != "" {
			token = engine.NewSecret("npm-token", body.Token)
		}

		req, err := pipeline.NewPublishRequest(token, src, body.GitURL, body.Branch, body.Tag)
		if err != nil {
			s.respond(w, r, nil, err)

			return
		}

		unlock, err := s.lockPackage(r.Context(), req.Source)
		if err != nil {
			s.respond(w, r, nil, err)

			return
		}
		defer unlock()

		var res *pipeline.Result
		if entry == pipeline.EntryOnPublish {
			res, err = s.runner.OnPublish(r.Context(), req)
		} else {
			res, err = s.runner.Publish(r.Context(), req)
		}

		s.respond(w, r, res, err)
	}
}

func (s *Server) handlePublishRelease(w http.ResponseWriter, r *http.Request) {
	var body ReleaseBody
	if !s.decode(w, r, &body) {
		return
	}

	var oidcToken *engine.Secret
	if body.OIDCToken != "" {
		oidcToken = engine.NewSecret("oidc-request-token", body.OIDCToken)
	}

	req := pipeline.ReleaseRequest{
		OIDCURL:   body.OIDCURL,
		OIDCToken: oidcToken,
		GitURL:    body.GitURL,
	}
	if err := req.Validate(); err != nil {
		s.respond(w, r, nil, err)

		return
	}

	unlock, err := s.lockPackage(r.Context(), pipeline.Remote{URL: body.GitURL})
	if err != nil {
		s.respond(w, r, nil, err)

		return
	}
	defer unlock()

	res, err := s.runner.PublishRelease(r.Context(), req)
	s.respond(w, r, res, err)
}

// lockPackage waits until no other publish of the package declared by src
// is running.
func (s *Server) lockPackage(ctx context.Context, src pipeline.SourceSpec) (func(), error) {
	name, err := s.runner.PackageName(ctx, src)
	if err != nil {
		return nil, err
	}

	return s.locks.Lock(ctx, name)
}

func (s *Server) handleLatestTag(w http.ResponseWriter, r *http.Request) {
	tag, err := s.runner.LatestTag(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		s.writeError(w, r, nil, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"tag": tag})
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, nil, fmt.Errorf("%w: decode request body: %w", failure.ErrConfiguration, err))

		return false
	}

	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, res *pipeline.Result, err error) {
	if err != nil {
		s.writeError(w, r, res, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, res *pipeline.Result, err error) {
	status := StatusCode(err)

	body := ErrorBody{
		Error:  err.Error(),
		Result: res,
	}
	if c := failure.Category(err); c != nil {
		body.Category = c.Error()
	}

	var stepErr *npm.StepError
	if errors.As(err, &stepErr) {
		body.Step = stepErr.Step
		body.ExitCode = stepErr.ExitCode
		body.Stdout = stepErr.Stdout
		body.Stderr = stepErr.Stderr
	}

	s.logger.Warn("request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Any("err", err),
	)

	writeJSON(w, status, body)
}

// StatusCode maps an entry point error to an HTTP status.
func StatusCode(err error) int {
	switch failure.Category(err) {
	case failure.ErrConfiguration:
		return http.StatusBadRequest
	case failure.ErrAuthentication:
		return http.StatusUnauthorized
	case failure.ErrResolution:
		return http.StatusNotFound
	case failure.ErrStepExecution:
		return http.StatusUnprocessableEntity
	}

	if errors.Is(err, context.Canceled) {
		return 499
	}

	return http.StatusInternalServerError
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
