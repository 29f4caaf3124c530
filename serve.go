package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/moxreport/dmarcdb"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
	"github.com/mjl-/moxreport/moxvar"
	"github.com/mjl-/moxreport/queue"
	"github.com/mjl-/moxreport/ratelimit"
)

func cmdServe(c *cmd) {
	c.help = `Start moxreport, periodically sending DMARC aggregate reports.

Windows with accumulated DMARC evaluations are checked at the configured sweep
interval. Windows that are due are turned into aggregate reports, queued for
delivery to the verified report addresses, and removed.

DMARC verdicts for incoming messages are received on the unix domain socket
"ctl" in the data directory, see "moxreport dmarc process". Each verdict may
result in a failure report, and is added to the window for an aggregate report.

If MetricsListen is configured, Prometheus metrics are served at /metrics.

The window and suppression databases are locked while serving. Commands like
"moxreport dmarc windows" cannot be used at the same time.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	// Set debug logging until config is fully loaded.
	mlog.Logfmt = true
	mox.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(mox.Conf.Log)

	log := c.log
	mox.MustLoadConfig()
	log.Print("starting moxreport", slog.String("version", moxvar.Version), slog.String("config", mox.ConfigStaticPath))

	q, err := queue.Open(mox.Shutdown, log, mox.DataDirPath("queue"))
	if err != nil {
		log.Fatalx("opening queue", err)
	}

	r, err := dmarcdb.Open(mox.Shutdown, log, mox.DataDirPath("dmarcdb"), mox.Conf.Static.Reporting, mox.Conf.Static.HostnameDomain)
	if err != nil {
		log.Fatalx("opening dmarc database", err)
	}
	resolver := dns.NewCachingResolver(dns.StrictResolver{Pkg: "dmarcdb", Log: log.Logger}, mox.Conf.Static.DNS.CacheSize, mox.Conf.Static.DNS.CacheTTL)
	r.Authorizer = dmarcdb.NewDNSAuthorizer(resolver)
	r.Throttle = &ratelimit.Throttle{}
	r.Transmitter = q
	r.Seq = mox.Seq
	r.UserAgent = "moxreport/" + moxvar.Version

	var metricsServer *http.Server
	if addr := mox.Conf.Static.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.Logger.Handler(), slog.LevelInfo),
		}
		go func() {
			log.Print("serving metrics", slog.String("addr", addr))
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalx("serving metrics", err)
			}
		}()
	}

	if err := r.Start(mox.Shutdown, log); err != nil {
		log.Fatalx("starting dmarc report scheduler", err)
	}

	// A ctl socket left behind by an unclean shutdown is removed first.
	ctlpath := mox.DataDirPath("ctl")
	_ = os.Remove(ctlpath)
	ctlln, err := net.Listen("unix", ctlpath)
	if err != nil {
		log.Fatalx("listen on ctl unix domain socket", err)
	}
	go func() {
		for {
			conn, err := ctlln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Printx("accept for ctl", err)
				continue
			}
			cid := mox.Cid()
			go servectl(mox.Context, log.WithCid(cid), conn, r)
		}
	}()
	log.Print("ready to serve")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for in-progress deliveries", slog.Any("signal", sig))
	err = ctlln.Close()
	log.Check(err, "closing ctl listener")
	_ = os.Remove(ctlpath)
	shutdown(log, r, q, metricsServer)
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

// shutdown cancels sweeps and waits for running deliveries, canceling them
// after a timeout, then closes the stores.
func shutdown(log mlog.Log, r *dmarcdb.Reporter, q *queue.Queue, metricsServer *http.Server) {
	mox.ShutdownCancel()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
		log.Print("dmarc report scheduler stopped")
	case <-time.After(3 * time.Second):
		mox.ContextCancel()
		<-done
		log.Print("dmarc report scheduler stopped after canceling deliveries")
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := metricsServer.Shutdown(ctx)
		cancel()
		log.Check(err, "shutting down metrics server")
	}
	err := r.Close()
	log.Check(err, "closing dmarc database")
	err = q.Close()
	log.Check(err, "closing queue")
}
