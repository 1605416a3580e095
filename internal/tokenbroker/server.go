// Package tokenbroker is the backend endpoint that exchanges an authenticated
// app session for a short-lived realtime transcription token.
package tokenbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

const (
	TokenPath       = "/v1/transcription/token"
	defaultUpstream = "https://api.assemblyai.com"
)

// Config controls the broker.
type Config struct {
	UpstreamURL string
	APIKey      string
	// JWTSecret verifies HS256 app session tokens. Empty disables verification.
	JWTSecret string
	TokenTTL  time.Duration
	Timeout   time.Duration
}

// RequestRecorder observes token requests.
type RequestRecorder interface {
	RecordTokenRequest(outcome string, duration time.Duration)
}

type Server struct {
	cfg        Config
	httpClient *http.Client
	recorder   RequestRecorder
	metrics    http.Handler
	logger     *slog.Logger
}

func NewServer(cfg Config, recorder RequestRecorder, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		cfg.UpstreamURL = defaultUpstream
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		recorder:   recorder,
		metrics:    metricsHandler,
		logger:     logger.With(slog.String("component", "token_broker")),
	}
}

// Router builds the gin engine serving the broker API.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "configured": s.cfg.APIKey != ""})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.POST(TokenPath, s.authenticate(), s.issueToken)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// authenticate verifies the app session bearer token.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.JWTSecret == "" {
			c.Next()
			return
		}

		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			s.reject(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := &jwt.StandardClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil {
			s.logger.Warn("rejected session token", slog.Any("err", err))
			s.reject(c, http.StatusUnauthorized, "invalid session token")
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func (s *Server) reject(c *gin.Context, status int, message string) {
	s.record("unauthorized", 0)
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func (s *Server) issueToken(c *gin.Context) {
	start := time.Now()
	if s.cfg.APIKey == "" {
		s.record("unconfigured", time.Since(start))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime transcription is not configured"})
		return
	}

	token, err := s.fetchUpstreamToken(c.Request.Context())
	if err != nil {
		s.logger.Error("upstream token request failed", slog.String("subject", c.GetString("subject")), slog.Any("err", err))
		s.record("upstream_error", time.Since(start))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to obtain realtime token"})
		return
	}

	s.record("issued", time.Since(start))
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) record(outcome string, duration time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordTokenRequest(outcome, duration)
	}
}

type upstreamTokenRequest struct {
	ExpiresIn int `json:"expires_in"`
}

type upstreamTokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

func (s *Server) fetchUpstreamToken(ctx context.Context) (string, error) {
	payload, err := json.Marshal(upstreamTokenRequest{ExpiresIn: int(s.cfg.TokenTTL.Seconds())})
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(s.cfg.UpstreamURL, "/") + "/v2/realtime/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed upstreamTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse upstream response: %w", err)
	}
	if parsed.Token == "" {
		if parsed.Error != "" {
			return "", errors.New(parsed.Error)
		}
		return "", errors.New("upstream returned an empty token")
	}
	return parsed.Token, nil
}
