// Package pprofutil exposes an opt-in pprof endpoint for a running node.
// Disabled unless MESHCORE_PPROF=1; the bind address must stay on loopback
// unless explicitly opened up.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts the pprof HTTP server when MESHCORE_PPROF=1.
// MESHCORE_PPROF_ADDR overrides the bind address; non-loopback binds
// additionally need MESHCORE_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(log *zap.Logger) error {
	if strings.TrimSpace(os.Getenv("MESHCORE_PPROF")) != "1" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("MESHCORE_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		if !isLoopbackBind(addr) && strings.TrimSpace(os.Getenv("MESHCORE_PPROF_ALLOW_PUBLIC")) != "1" {
			startErr = fmt.Errorf("MESHCORE_PPROF_ADDR must be loopback unless MESHCORE_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		srv := &http.Server{
			Addr:              ln.Addr().String(),
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info("pprof enabled", zap.String("url", "http://"+srv.Addr+"/debug/pprof/"))
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
