package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"xauwatch/internal/application/usecase/watch"
	"xauwatch/internal/domain/model"
)

// Controller 监督器对外暴露的控制面
type Controller interface {
	State() model.ConnectionState
	Attempts() int
	Instrument() model.Instrument
	Start(ctx context.Context) error
	Stop()
	Refresh() error
}

// QuoteSource 最近一笔价格
type QuoteSource interface {
	Last() (model.PriceUpdateEvent, bool)
}

type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type StatusView struct {
	Instrument  model.Instrument        `json:"instrument"`
	State       model.ConnectionState   `json:"state"`
	Attempts    int                     `json:"attempts"`
	MaxAttempts int                     `json:"max_attempts"`
	Last        *model.PriceUpdateEvent `json:"last,omitempty"`
}

// Server 健康检查与手动控制接口
type Server struct {
	echo        *echo.Echo
	addr        string
	base        context.Context // POST /start 使用的父 ctx，不能用请求 ctx
	ctl         Controller
	quotes      QuoteSource
	maxAttempts int
}

func NewServer(base context.Context, addr string, ctl Controller, quotes QuoteSource, maxAttempts int, reg prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(recoverer(), requestLogging())

	s := &Server{
		echo:        e,
		addr:        addr,
		base:        base,
		ctl:         ctl,
		quotes:      quotes,
		maxAttempts: maxAttempts,
	}

	e.GET("/healthz", s.Healthz)
	e.GET("/status", s.Status)
	e.POST("/start", s.Start)
	e.POST("/stop", s.Stop)
	e.POST("/refresh", s.Refresh)
	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	return s
}

func (s *Server) Echo() *echo.Echo { return s.echo }

// ListenAndServe 后台监听，关闭时的 ErrServerClosed 不算错误
func (s *Server) ListenAndServe() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}

func (s *Server) Healthz(c echo.Context) error {
	return reply(c, http.StatusOK, map[string]string{"state": s.ctl.State().String()})
}

func (s *Server) Status(c echo.Context) error {
	return reply(c, http.StatusOK, s.view())
}

func (s *Server) Start(c echo.Context) error {
	if err := s.ctl.Start(s.base); err != nil {
		if errors.Is(err, watch.ErrAlreadyRunning) {
			return reply(c, http.StatusConflict, err.Error())
		}
		return reply(c, http.StatusServiceUnavailable, err.Error())
	}
	return reply(c, http.StatusAccepted, s.view())
}

func (s *Server) Stop(c echo.Context) error {
	s.ctl.Stop()
	return reply(c, http.StatusOK, s.view())
}

func (s *Server) Refresh(c echo.Context) error {
	if err := s.ctl.Refresh(); err != nil {
		if errors.Is(err, watch.ErrNotStarted) {
			return reply(c, http.StatusConflict, err.Error())
		}
		return reply(c, http.StatusServiceUnavailable, err.Error())
	}
	return reply(c, http.StatusAccepted, s.view())
}

func (s *Server) view() StatusView {
	v := StatusView{
		Instrument:  s.ctl.Instrument(),
		State:       s.ctl.State(),
		Attempts:    s.ctl.Attempts(),
		MaxAttempts: s.maxAttempts,
	}
	if s.quotes != nil {
		if last, ok := s.quotes.Last(); ok {
			v.Last = &last
		}
	}
	return v
}

func reply(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req := c.Request()
			log.Debug().
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("http request")
			return err
		}
	}
}

func recoverer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("uri", c.Request().RequestURI).Msg("http handler panic")
					err = reply(c, http.StatusInternalServerError, nil)
				}
			}()
			return next(c)
		}
	}
}
