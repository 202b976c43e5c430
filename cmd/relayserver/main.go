// Command relayserver runs one process of the federated chat relay:
// identity handshake, registration, login, X3DH bundle brokering, message
// and reset forwarding, all over TLS, with Redis-backed federation and
// Consul-backed service discovery as optional extras for a multi-process
// deployment.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaychat/relay/internal/audit"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/relay"
	"github.com/relaychat/relay/internal/relaylog"
	"github.com/relaychat/relay/internal/relaymetrics"
	"github.com/relaychat/relay/internal/server"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/wire"
)

func main() {
	cfg := config.LoadServer()
	logger := relaylog.New(cfg.ServerID)

	db, err := store.OpenPlain(filepath.Join(cfg.StoreDir, "database.json"))
	if err != nil {
		log.Fatalf("relayserver: open user store: %v", err)
	}

	pepperKeyPath := filepath.Join(cfg.StoreDir, "server-key-peppers.txt")
	bridgeVaultKey(pepperKeyPath, logger)
	peppers, err := store.OpenCipher(filepath.Join(cfg.StoreDir, "peppers.csv"), pepperKeyPath)
	if err != nil {
		log.Fatalf("relayserver: open pepper store: %v", err)
	}

	var auditLogger *audit.Logger
	if cfg.AuditDriver != "" && cfg.AuditDSN != "" {
		auditLogger, err = audit.Open(cfg.AuditDriver, cfg.AuditDSN, audit.DefaultConfig())
		if err != nil {
			logger.Errorf("audit log unavailable, continuing without it: %v", err)
		} else {
			defer func() {
				if err := auditLogger.Shutdown(5 * time.Second); err != nil {
					logger.Errorf("audit shutdown: %v", err)
				}
			}()
		}
	}

	var federation *relay.Federation
	if cfg.RedisURL != "" {
		federation, err = relay.NewFederation(cfg.RedisURL, cfg.ServerID)
		if err != nil {
			logger.Errorf("federation unavailable, running single-process: %v", err)
			federation = nil
		} else {
			defer func() {
				if err := federation.Close(); err != nil {
					logger.Errorf("federation close: %v", err)
				}
			}()
		}
	}

	srv := server.New(db, peppers, logger, server.Options{
		ServerID:            cfg.ServerID,
		OfflineQueueCap:     cfg.OfflineQueueCap,
		LoginThrottleMax:    cfg.LoginThrottleMax,
		LoginThrottleWindow: cfg.LoginThrottleWindow,
		Audit:               auditLogger,
		Federation:          federation,
	})

	subCtx, stopSub := context.WithCancel(context.Background())
	defer stopSub()
	if federation != nil {
		go func() {
			if err := federation.Subscribe(subCtx, func(username string, frame []byte) {
				rec, err := wire.Decode(frame)
				if err != nil {
					logger.Errorf("federation: malformed forwarded frame for %s: %v", username, err)
					return
				}
				srv.DeliverLocal(rec)
			}); err != nil && subCtx.Err() == nil {
				logger.Errorf("federation subscribe: %v", err)
			}
		}()
	}

	var registry *relay.Registry
	if cfg.ConsulURL != "" {
		registry, err = relay.NewRegistry(cfg.ConsulURL, cfg.ServerID, listenPort(cfg.ListenAddr))
		if err != nil {
			logger.Errorf("service discovery unavailable: %v", err)
			registry = nil
		} else if err := registry.Register(); err != nil {
			logger.Errorf("service discovery register: %v", err)
			registry = nil
		} else {
			defer func() {
				if err := registry.Deregister(); err != nil {
					logger.Errorf("service discovery deregister: %v", err)
				}
			}()
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", relaymetrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		log.Fatalf("relayserver: load TLS certificate: %v", err)
	}
	listener, err := tls.Listen("tcp", cfg.ListenAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		log.Fatalf("relayserver: listen on %s: %v", cfg.ListenAddr, err)
	}

	log.Printf("relayserver: %s listening on %s (metrics on %s)", cfg.ServerID, cfg.ListenAddr, cfg.MetricsAddr)
	go acceptLoop(listener, srv, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("relayserver: received %v, shutting down", sig)

	if err := listener.Close(); err != nil {
		logger.Errorf("listener close: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("metrics server shutdown: %v", err)
	}
	log.Printf("relayserver: stopped")
}

func acceptLoop(listener net.Listener, srv *server.Server, logger *relaylog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !isClosedErr(err) {
				logger.Errorf("accept: %v", err)
			}
			return
		}
		go srv.HandleConn(conn)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// bridgeVaultKey writes a Vault-sourced pepper-table key into keyPath
// before store.OpenCipher reads it, so Vault-first key management can sit
// in front of store's own local-file fallback without store needing to
// know Vault exists. It is a no-op if Vault was never initialized, the
// lookup fails, or a key file is already on disk.
func bridgeVaultKey(keyPath string, logger *relaylog.Logger) {
	if _, err := os.Stat(keyPath); err == nil {
		return
	}
	key, err := config.GetStoreKeyFromVault()
	if err != nil {
		return
	}
	if _, err := hex.DecodeString(strings.TrimSpace(key)); err != nil {
		logger.Errorf("vault returned a non-hex pepper key, ignoring")
		return
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		logger.Errorf("create store dir for vault key: %v", err)
		return
	}
	if err := os.WriteFile(keyPath, []byte(key), 0o600); err != nil {
		logger.Errorf("persist vault key locally: %v", err)
	}
}

func listenPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "8443"
	}
	return port
}
