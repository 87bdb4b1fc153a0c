// Package server exposes the orchestration loop over HTTP.
//
//	POST /v1/runs          {"identity": "...", "turns": [...]} or {"prompt": "..."}
//	GET  /v1/capabilities  the registered capability descriptors
//	GET  /healthz
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/logging"
	"github.com/martinemde/capabot/orchestrator"
	"github.com/martinemde/capabot/transcript"
)

// FailureMessage is shown to clients when every attempt of a run faulted.
const FailureMessage = "The assistant could not complete this request. Please try again later."

// Runner runs one conversation. *orchestrator.Loop implements it.
type Runner interface {
	Run(ctx context.Context, turns []conversation.Turn, rc orchestrator.RunContext) ([]conversation.Turn, error)
}

// Directory lists capabilities. *capability.Registry implements it.
type Directory interface {
	Descriptors() []capability.Descriptor
}

// Recorder stores finished runs. *transcript.Store implements it.
type Recorder interface {
	Record(ctx context.Context, e transcript.Entry) error
}

// Options configure a Server.
type Options struct {
	Runner      Runner
	Directory   Directory
	Recorder    Recorder
	CORSOrigins []string
	RunTimeout  time.Duration
	Log         *logrus.Entry
}

// Server holds the HTTP handlers.
type Server struct {
	runner     Runner
	directory  Directory
	recorder   Recorder
	runTimeout time.Duration
	log        *logrus.Entry
	engine     *gin.Engine
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		runner:     opts.Runner,
		directory:  opts.Directory,
		recorder:   opts.Recorder,
		runTimeout: opts.RunTimeout,
		log:        opts.Log,
	}
	if s.log == nil {
		s.log = logging.Component(nil, "server")
	}

	g := gin.New()
	g.Use(requestLogger(s.log), gin.Recovery())
	if len(opts.CORSOrigins) > 0 {
		g.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	s.attachRoutes(g)
	s.engine = g
	return s
}

func (s *Server) attachRoutes(g *gin.Engine) {
	g.GET("/healthz", s.health)

	v1 := g.Group("/v1")
	{
		v1.POST("/runs", s.createRun)
		v1.GET("/capabilities", s.listCapabilities)
	}
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type runRequest struct {
	Identity string              `json:"identity" binding:"max=191"`
	Prompt   string              `json:"prompt" binding:"max=100000"`
	Turns    []conversation.Turn `json:"turns" binding:"max=500"`
}

type runResponse struct {
	RunID string              `json:"run_id"`
	Turns []conversation.Turn `json:"turns"`
	// Reply is the content of the last turn, for simple clients.
	Reply string `json:"reply"`
}

func (s *Server) createRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	turns := req.Turns
	if strings.TrimSpace(req.Prompt) != "" {
		turns = append(turns, conversation.NewUserTurn(req.Prompt))
	}
	if len(turns) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "either prompt or turns is required"})
		return
	}

	ctx := c.Request.Context()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	runID := uuid.New().String()
	out, err := s.runner.Run(ctx, turns, orchestrator.RunContext{RunID: runID, Identity: req.Identity})
	s.record(c.Request.Context(), runID, req.Identity, turns, out, err)

	if err != nil {
		log := s.log.WithFields(logrus.Fields{"run_id": runID, "identity": req.Identity}).WithError(err)
		var fault *orchestrator.LoopFault
		switch {
		case errors.As(err, &fault):
			log.Error("run failed")
			c.JSON(http.StatusBadGateway, gin.H{"err": FailureMessage, "run_id": runID})
		case errors.Is(err, context.DeadlineExceeded):
			log.Warn("run timed out")
			c.JSON(http.StatusGatewayTimeout, gin.H{"err": "run timed out", "run_id": runID})
		case errors.Is(err, context.Canceled):
			log.Info("run cancelled by client")
			c.Status(499)
		default:
			log.Error("run error")
			c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error", "run_id": runID})
		}
		return
	}

	resp := runResponse{RunID: runID, Turns: out}
	if len(out) > 0 {
		resp.Reply = out[len(out)-1].Content
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) record(ctx context.Context, runID, identity string, input, out []conversation.Turn, runErr error) {
	if s.recorder == nil {
		return
	}
	turns := out
	if runErr != nil {
		turns = input
	}
	// The client may have gone away; the audit row is still wanted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.recorder.Record(ctx, transcript.Entry{
		RunID:    runID,
		Identity: identity,
		Source:   "http",
		Turns:    turns,
		Err:      runErr,
	})
	if err != nil {
		s.log.WithError(err).WithField("run_id", runID).Warn("transcript not recorded")
	}
}

func (s *Server) listCapabilities(c *gin.Context) {
	descriptors := []capability.Descriptor{}
	if s.directory != nil {
		descriptors = append(descriptors, s.directory.Descriptors()...)
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": descriptors})
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("request")
	}
}
