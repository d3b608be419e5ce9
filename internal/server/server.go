// Package server provides an HTTP service that evaluates Starlark
// programs submitted by clients and reports their output.
package server

import (
	"context"
	_ "embed"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/hosttrace/hosttrace/hostcall"
	"github.com/hosttrace/hosttrace/internal/config"
	"github.com/hosttrace/hosttrace/internal/engine"
	"github.com/hosttrace/hosttrace/internal/metrics"
)

// Filename is the name under which submitted programs are evaluated.
const Filename = "eval.star"

//go:embed index.html
var indexPage []byte

type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger
	router  *gin.Engine
}

// New returns a server evaluating programs with an engine built from
// opts. Server limits in cfg take precedence over opts.MaxSteps.
func New(cfg config.ServerConfig, opts engine.Options, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.MaxSteps > 0 {
		opts.MaxSteps = cfg.MaxSteps
	}
	opts.Recorder = hostcall.Tee(opts.Recorder, m.Recorder())
	opts.Logger = logger

	s := &Server{
		cfg:     cfg,
		engine:  engine.New(opts),
		metrics: m,
		logger:  logger,
		router:  gin.New(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery(), requestLogger(s.logger))

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	s.router.Use(cors.New(corsConfig))
}

func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexPage)
	})
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "hosttrace"})
	})
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.POST("/eval", s.eval)
}

// Handler returns the router, for use with httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on cfg.Addr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// eval runs the submitted program and replies with its printed output
// followed by its final value, or by the backtrace if it failed.
func (s *Server) eval(c *gin.Context) {
	if s.cfg.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}
	code, ok, err := submittedCode(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.String(http.StatusRequestEntityTooLarge, "request body too large\n")
			return
		}
		c.String(http.StatusBadRequest, "%v\n", err)
		return
	}
	if !ok {
		c.String(http.StatusBadRequest, "missing code\n")
		return
	}

	ctx := c.Request.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	env := starlark.StringDict{"request": httpRequest{c.Request}}
	res, err := s.engine.EvalEnv(ctx, Filename, code, env)
	s.metrics.Observe(res.Duration, err)

	var b strings.Builder
	b.WriteString(res.Output)
	if err != nil {
		s.logger.Debug().Err(err).Msg("evaluation failed")
		b.WriteString(engine.FormatError(err))
	} else {
		b.WriteString(res.ValueString())
	}
	b.WriteByte('\n')
	c.String(http.StatusOK, "%s", b.String())
}

// submittedCode reads the program from the "code" form field, or from
// the raw body for other content types.
func submittedCode(c *gin.Context) (string, bool, error) {
	switch c.ContentType() {
	case gin.MIMEPOSTForm, gin.MIMEMultipartPOSTForm:
		if err := c.Request.ParseMultipartForm(32 << 10); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", false, err
		}
		code, ok := c.GetPostForm("code")
		return code, ok, nil
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", false, err
	}
	return string(data), len(data) > 0, nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}
