package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/LENAX/node-engine/pkg/api/handler"
	"github.com/LENAX/node-engine/pkg/config"
	"github.com/LENAX/node-engine/pkg/log"
)

// ServerConfig API服务器配置
type ServerConfig struct {
	Host         string        // 监听地址
	Port         int           // 监听端口
	ReadTimeout  time.Duration // 读取超时
	WriteTimeout time.Duration // 写入超时
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ServerConfigFrom 从引擎配置的api段构建服务器配置
func ServerConfigFrom(c config.APIConfig) ServerConfig {
	sc := DefaultServerConfig()
	if c.Host != "" {
		sc.Host = c.Host
	}
	if c.Port > 0 {
		sc.Port = c.Port
	}
	return sc
}

// APIServer HTTP API服务器
type APIServer struct {
	admin      handler.Admin
	httpServer *http.Server
	config     ServerConfig
	version    string

	mu       sync.Mutex
	listener net.Listener
}

// NewAPIServer 创建API服务器
func NewAPIServer(admin handler.Admin, config ServerConfig, version string) *APIServer {
	return &APIServer{
		admin:   admin,
		config:  config,
		version: version,
	}
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("server listen failed: %w", err)
	}
	return s.Serve(ln)
}

// Serve 在给定的listener上提供服务
func (s *APIServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      SetupRouter(s.admin, s.version),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	log.Infof("🚀 [API] Node Engine API Server starting on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server serve failed: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	log.Infof("🛑 [API] Shutting down API Server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Infof("✅ [API] API Server stopped")
	return nil
}

// Addr 获取服务器地址，已监听时返回实际地址
func (s *APIServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
