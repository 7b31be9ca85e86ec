// Command sandboxd is the mediation daemon: it sits between an agent and
// the network/filesystem/git/package manager/subprocess surface of its
// host, gating every action through rules, per-category modes, and an
// operator-facing approval queue.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"sandboxd/internal/audit"
	"sandboxd/internal/config"
	"sandboxd/internal/controlplane"
	"sandboxd/internal/execbroker"
	"sandboxd/internal/filesync"
	"sandboxd/internal/gitsync"
	"sandboxd/internal/pkgbroker"
	"sandboxd/internal/proxy"
	"sandboxd/internal/queue"
)

const version = "1.0.0"

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	v := viper.New()
	v.SetDefault("SERVER_PORT", "3700")
	v.SetDefault("PROXY_PORT", "3701")
	v.SetDefault("PROXY_INLINE", true)
	v.SetDefault("MAX_UPTIME", "")
	v.SetDefault("WORKSPACE", "/workspace/merged")
	v.SetDefault("HOST_PROJECT", "/workspace/lower")
	v.SetDefault("GIT_STAGING_REPO", "/workspace/staging.git")
	v.SetDefault("GIT_REMOTE_NAME", "real-remote")
	v.AutomaticEnv()

	cfg := config.New("sandbox.config.json")
	if err := cfg.Load(); err != nil {
		log.Warn().Err(err).Msg("config load failed, continuing with defaults")
	}
	if staging := v.GetString("GIT_STAGING_REPO"); cfg.Get().GitStagingRepo == "" && staging != "" {
		cfg.ApplyConfigChange("gitStagingRepo", staging)
	}

	auditLogger, err := audit.Open("data/audit.log")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit log")
	}
	defer auditLogger.Close()

	q := queue.New("data/queue.json")
	if err := q.Init(); err != nil {
		log.Warn().Err(err).Msg("queue persistence load failed, starting empty")
	}

	execBroker := execbroker.New(cfg, q, auditLogger)
	pkgBroker := pkgbroker.New(cfg, q, auditLogger)

	workspace := v.GetString("WORKSPACE")
	hostProject := v.GetString("HOST_PROJECT")
	mirror := filesync.New(workspace, hostProject, cfg, q, auditLogger)

	gitSyncer := gitsync.New(cfg.Get().GitStagingRepo, v.GetString("GIT_REMOTE_NAME"), cfg, q, auditLogger)
	if err := gitSyncer.StartPeriodicRefresh("@every 1m"); err != nil {
		log.Warn().Err(err).Msg("git sync periodic refresh did not start")
	}

	netProxy := proxy.New(cfg, q, auditLogger)

	maxUptimeMs := int64(0)
	if raw := v.GetString("MAX_UPTIME"); raw != "" {
		if ms, ok := config.ParseDuration(raw); ok {
			maxUptimeMs = ms
		} else {
			log.Warn().Str("value", raw).Msg("MAX_UPTIME did not parse, ignoring")
		}
	}

	shutdownCh := make(chan string, 1)
	server := controlplane.New(controlplane.Deps{
		Config:      cfg,
		Queue:       q,
		Audit:       auditLogger,
		Exec:        execBroker,
		Pkg:         pkgBroker,
		Mirror:      mirror,
		Git:         gitSyncer,
		MaxUptimeMs: maxUptimeMs,
	}, func(reason string) {
		select {
		case shutdownCh <- reason:
		default:
		}
	})
	server.SetAuditPath("data/audit.log")
	server.ScheduleMaxUptime()

	ctx, cancelReady := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelReady()
	if err := mirror.WaitReady(ctx); err != nil {
		log.Warn().Err(err).Msg("workspace readiness wait ended without a ready marker")
	}
	if err := mirror.StartWatch(); err != nil {
		log.Fatal().Err(err).Msg("failed to start file sync watcher")
	}

	httpSrv := &http.Server{
		Addr:         ":" + v.GetString("SERVER_PORT"),
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var proxySrv *http.Server
	if v.GetBool("PROXY_INLINE") {
		proxySrv = &http.Server{
			Addr:         ":" + v.GetString("PROXY_PORT"),
			Handler:      http.HandlerFunc(netProxy.ServeHTTP),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			log.Info().Str("addr", proxySrv.Addr).Msg("proxy listening")
			if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("proxy server failed")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Str("version", version).Msg("sandboxd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control plane server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var reason string
	select {
	case s := <-sig:
		reason = s.String()
	case reason = <-shutdownCh:
	}

	log.Info().Str("reason", reason).Msg("graceful shutdown starting")
	gracefulShutdown(server, mirror, q, httpSrv, proxySrv, reason)
	log.Info().Msg("sandboxd stopped")
}

// gracefulShutdown implements the mandated sequential teardown: stop the
// watcher, run one final full sync, deny every pending request, broadcast
// the shutdown event, then close the listeners.
func gracefulShutdown(server *controlplane.Server, mirror *filesync.Mirror, q *queue.Queue, httpSrv, proxySrv *http.Server, reason string) {
	mirror.Stop()

	if err := mirror.FullSync(); err != nil {
		log.Warn().Err(err).Msg("final full sync failed")
	} else {
		log.Info().Msg("final full sync complete")
	}

	denied := q.DenyAllPending()
	log.Info().Int("count", denied).Msg("denied pending requests on shutdown")

	server.BroadcastShutdown(reason)
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("control plane shutdown error")
	}
	if proxySrv != nil {
		if err := proxySrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("proxy shutdown error")
		}
	}

	if err := q.Flush(); err != nil {
		log.Warn().Err(err).Msg("final queue flush failed")
	}
}
