// Command zonesyncd runs the sync engine: it projects the directory's
// zone and record entries into live DNS zones, answers queries for them,
// and exposes an operator HTTP API over the same directory store.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ldapdns/zonesync/internal/api"
	"github.com/ldapdns/zonesync/internal/config"
	"github.com/ldapdns/zonesync/internal/dnsserver"
	"github.com/ldapdns/zonesync/internal/instance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	inst, err := instance.New(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("instance: %v", err)
	}
	defer inst.Stop()

	dns := dnsserver.New(dnsserver.Deps{
		Zones:        inst.Zones,
		UDPAddr:      cfg.DNSUDPListen,
		TCPAddr:      cfg.DNSTCPListen,
		WriteRecord:  inst.WriteBack.WriteRecord,
		RemoveRecord: inst.WriteBack.RemoveRecord,
		SyncPTR:      inst.WriteBack.SyncPTR,
	})

	apiSrv := api.New(api.Deps{
		Store: inst.Store,
		Zones: inst.Zones,
		Token: cfg.APIToken,
	})

	metricsServer := &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)
	go func() { errCh <- inst.Start(ctx) }()
	go func() { errCh <- dns.Run(ctx) }()
	go func() { errCh <- apiSrv.Run(ctx, cfg.HTTPListen) }()
	go func() {
		log.Printf("zonesyncd: metrics listening on %s", cfg.MetricsListen)
		err := metricsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		log.Printf("zonesyncd: shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("zonesyncd: fatal server error: %v", err)
		}
	}
}
