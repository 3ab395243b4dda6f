// fnvmd is the host daemon: it owns the VM pool, the function manifest,
// and the HTTP edges that front them.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fnvmrun/fnvm/internal/config"
	"github.com/fnvmrun/fnvm/internal/edge"
	"github.com/fnvmrun/fnvm/internal/imagecache"
	"github.com/fnvmrun/fnvm/internal/manifest"
	"github.com/fnvmrun/fnvm/internal/pool"
	"github.com/fnvmrun/fnvm/internal/proxyreg"
	"github.com/fnvmrun/fnvm/internal/pubsub"
	"github.com/fnvmrun/fnvm/internal/registry"
	"github.com/fnvmrun/fnvm/internal/secrets"
	"github.com/fnvmrun/fnvm/internal/vmm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()

	root := &cobra.Command{
		Use:           "fnvmd",
		Short:         "Run the fnvm function executor daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	root.Flags().StringVar(&cfg.EdgeAddr, "edge-addr", cfg.EdgeAddr, "listen address for the run_code_on_request HTTP front end")
	root.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "base directory for fnvm runtime data")
	root.Flags().StringVar(&cfg.CaddyAdminURL, "caddy-admin-url", cfg.CaddyAdminURL, "base URL of the Caddy admin API")
	root.Flags().StringVar(&cfg.ParentZone, "parent-zone", cfg.ParentZone, "DNS zone reverse-proxy hostnames are minted under")
	root.Flags().StringVar(&cfg.GvproxyBin, "gvproxy-bin", cfg.GvproxyBin, "path to the gvproxy binary (empty: look it up in the bin dir and PATH; if none is found, VMs run without networking)")

	if err := root.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg *config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	defer reg.Close()
	log.Printf("registry: %s", cfg.DBPath)

	ss, err := secrets.NewStore(cfg.MasterKeyPath)
	if err != nil {
		log.Fatalf("init secret store: %v", err)
	}
	log.Printf("secret store: %s", cfg.MasterKeyPath)

	imgCache := imagecache.NewCache(cfg.ImageCacheDir, cfg.GuestArch)

	if err := ensureManifestExists(cfg.ManifestPath); err != nil {
		log.Fatalf("init manifest: %v", err)
	}
	mf, err := manifest.Load(cfg.ManifestPath, imgCache, ss, cfg.DefaultRootfsPath, cfg.DefaultKeepAlive)
	if err != nil {
		log.Fatalf("load manifest: %v", err)
	}
	log.Printf("manifest: %s", cfg.ManifestPath)

	guestBin := config.FindBinary("fnvm-guest-init", cfg.BinDir)
	if guestBin == "" {
		guestBin = cfg.GuestInitBin
	}
	gvproxyBin := cfg.GvproxyBin
	if gvproxyBin == "" {
		gvproxyBin = config.FindBinary("gvproxy", cfg.BinDir)
	}
	backend := vmm.NewProcessVMM(guestBin, gvproxyBin, cfg.SockDir)
	caps := backend.Capabilities()
	log.Printf("vmm backend: %s (persistent_pause=%v)", caps.Name, caps.PersistentPause)

	p := pool.New(backend, 1000)

	caddy := proxyreg.NewCaddyClient(cfg.CaddyAdminURL, cfg.ParentZone)
	p.OnStateChange(func(hash pool.VmHash, state string, h vmm.Handle) {
		switch state {
		case "warm":
			if err := reg.RecordState(string(hash), state, h.ID); err != nil {
				log.Printf("registry: record warm %s: %v", hash, err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			host, err := caddy.Register(ctx, string(hash), cfg.EdgeAddr)
			cancel()
			if err != nil {
				log.Printf("proxyreg: register %s: %v", hash, err)
			} else {
				log.Printf("proxyreg: %s -> %s", hash, host)
			}
		case "cold":
			if err := reg.RecordState(string(hash), state, ""); err != nil {
				log.Printf("registry: record cold %s: %v", hash, err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := caddy.Unregister(ctx, string(hash))
			cancel()
			if err != nil {
				log.Printf("proxyreg: unregister %s: %v", hash, err)
			}
		}
	})

	bus := pubsub.New()
	ed := edge.New(p, backend, mf, bus, cfg.ParentZone)
	if err := edge.RegisterMetrics(p, nil); err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", ed)

	server := &http.Server{Addr: cfg.EdgeAddr, Handler: mux}
	go func() {
		log.Printf("fnvmd edge listening on %s", cfg.EdgeAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("edge server: %v", err)
		}
	}()

	pidPath := cfg.DataDir + "/fnvmd.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("fnvmd ready (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.Shutdown()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("edge server shutdown: %v", err)
	}

	log.Println("fnvmd stopped")
	return nil
}

// ensureManifestExists writes an empty function manifest the first time
// fnvmd runs against a fresh data directory, mirroring the secrets
// store's auto-generate-on-first-use behavior.
func ensureManifestExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte("[]\n"), 0644)
}
