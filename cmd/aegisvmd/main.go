// aegisvmd is the VM fleet daemon. It discovers quickemu VM configs,
// manages their process lifecycle, monitors resource usage, and serves
// the Control API that the CLI and any future UI talk to.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xfeldman/aegisvm/internal/api"
	"github.com/xfeldman/aegisvm/internal/binaries"
	"github.com/xfeldman/aegisvm/internal/config"
	"github.com/xfeldman/aegisvm/internal/discovery"
	"github.com/xfeldman/aegisvm/internal/lifecycle"
	"github.com/xfeldman/aegisvm/internal/logstore"
	"github.com/xfeldman/aegisvm/internal/monitor"
	"github.com/xfeldman/aegisvm/internal/proxy"
	"github.com/xfeldman/aegisvm/internal/registry"
)

// proxySweepInterval is the daemon's own cadence for checking session
// expiry; it is independent of cfg.ProxySessionExpiry, which is the
// expiry threshold itself.
const proxySweepInterval = 10 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	log.Printf("aegisvmd starting (config dirs: %v)", cfg.ConfigDirs)

	bin := binaries.Discovery{QuickemuPath: cfg.QuickemuPath, QuickgetPath: cfg.QuickgetPath}
	if bin.QuickemuPath == "" || bin.QuickgetPath == "" {
		found, err := binaries.Discover()
		if err != nil {
			log.Fatalf("discover quickemu/quickget: %v", err)
		}
		if bin.QuickemuPath == "" {
			bin.QuickemuPath = found.QuickemuPath
		}
		if bin.QuickgetPath == "" {
			bin.QuickgetPath = found.QuickgetPath
		}
	}
	if err := bin.Validate(); err != nil {
		log.Fatalf("validate launcher binaries: %v", err)
	}
	log.Printf("quickemu: %s, quickget: %s", bin.QuickemuPath, bin.QuickgetPath)

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	defer reg.Close()
	log.Printf("registry: %s", cfg.DBPath)

	ls := logstore.NewStore(cfg.LogsDir)

	dis := discovery.New()
	for _, dir := range cfg.ConfigDirs {
		if err := dis.AddWatchDirectory(dir); err != nil {
			log.Printf("add watch directory %s: %v", dir, err)
		}
	}
	dis.ScanAll()
	if err := dis.StartWatching(); err != nil {
		log.Fatalf("start discovery watch: %v", err)
	}
	defer dis.StopWatching()
	log.Printf("discovery: indexed %d vms", len(dis.All()))

	mon := monitor.New(cfg.MetricsHistoryLength)
	life := lifecycle.NewManager(&bin, mon, dis, ls)
	prx := proxy.NewServer(cfg.ProxyMaxSessions, cfg.ProxyAuthTimeout, cfg.ProxySessionExpiry, ls)

	srv := api.NewServer(dis, life, mon, prx, reg, ls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go api.RunMetricsLoop(ctx, mon, reg, cfg.MonitorInterval)
	go prx.RunExpirySweeper(ctx, proxySweepInterval)

	listener, addr, err := listen(cfg)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("control api listening on %s", addr)

	httpSrv := &http.Server{Handler: srv}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
}

// listen binds either a TCP listener (ListenAddr set) or a unix socket
// (SocketPath), matching the teacher's unix-socket-first control plane
// while allowing a TCP override for remote CLI use.
func listen(cfg *config.Config) (net.Listener, string, error) {
	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		return ln, cfg.ListenAddr, err
	}
	os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	return ln, "unix:" + cfg.SocketPath, err
}
