package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/die-net/ztproxy/internal/config"
	"github.com/die-net/ztproxy/internal/identity"
	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/proxy"
	"github.com/die-net/ztproxy/internal/socket"
	"github.com/die-net/ztproxy/internal/workload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	def := config.Default()
	var (
		configPath = pflag.String("config", "", "YAML config file. Flags override its values.")

		inboundAddr          = pflag.String("inbound-listen", def.InboundAddr, "HBONE tunnel listen address")
		inboundPlaintextAddr = pflag.String("inbound-plaintext-listen", def.InboundPlaintextAddr, "Redirected plaintext inbound listen address")
		outboundAddr         = pflag.String("outbound-listen", def.OutboundAddr, "Redirected outbound listen address")
		socks5Addr           = pflag.String("socks5-listen", def.Socks5Addr, "SOCKS5 listen address")

		enableOriginalSource = pflag.String("enable-original-source", "auto", "Spoof the original source address on upstream connections: auto|true|false")
		localNode            = pflag.String("local-node", def.LocalNode, "Node name of this proxy")
		egress               = pflag.String("egress", defaultEgress(), "Egress for non-mesh destinations: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		certFile = pflag.String("cert", "", "PEM certificate chain for HBONE mutual TLS. Empty uses cleartext HTTP/2.")
		keyFile  = pflag.String("key", "", "PEM private key for --cert")
		caFile   = pflag.String("ca", "", "PEM trust roots for HBONE peers")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", def.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", def.NegotiationTimeout, "Timeout for TLS, HTTP/2 and SOCKS5 negotiation")
		tcpKeepAlive       = pflag.String("tcp-keepalive", def.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel           = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logrus.SetLevel(level)

	cfg := def
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	flags := pflag.CommandLine
	setIfChanged(flags, "inbound-listen", &cfg.InboundAddr, *inboundAddr)
	setIfChanged(flags, "inbound-plaintext-listen", &cfg.InboundPlaintextAddr, *inboundPlaintextAddr)
	setIfChanged(flags, "outbound-listen", &cfg.OutboundAddr, *outboundAddr)
	setIfChanged(flags, "socks5-listen", &cfg.Socks5Addr, *socks5Addr)
	setIfChanged(flags, "local-node", &cfg.LocalNode, *localNode)
	setIfChanged(flags, "cert", &cfg.CertFile, *certFile)
	setIfChanged(flags, "key", &cfg.KeyFile, *keyFile)
	setIfChanged(flags, "ca", &cfg.CAFile, *caFile)
	setIfChanged(flags, "dial-timeout", &cfg.DialTimeout, *dialTimeout)
	setIfChanged(flags, "negotiation-timeout", &cfg.NegotiationTimeout, *negotiationTimeout)
	setIfChanged(flags, "tcp-keepalive", &cfg.TCPKeepAlive, *tcpKeepAlive)
	if flags.Changed("egress") || *configPath == "" {
		cfg.Egress = *egress
	}
	if flags.Changed("enable-original-source") {
		if cfg.EnableOriginalSource, err = config.ParseTriState(*enableOriginalSource); err != nil {
			return fmt.Errorf("invalid --enable-original-source: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.EnableOriginalSource != nil && *cfg.EnableOriginalSource && !socket.IsSupported {
		return errors.New("--enable-original-source is not supported on this platform")
	}

	workloads, err := workload.NewStatic(cfg.Workloads)
	if err != nil {
		return fmt.Errorf("workloads: %w", err)
	}

	var certs *identity.FileProvider
	if cfg.TLSEnabled() {
		if certs, err = identity.NewFileProvider(cfg.CertFile, cfg.KeyFile, cfg.CAFile); err != nil {
			return err
		}
	}

	counters := metrics.NewCounters()
	http.DefaultServeMux.Handle("/metrics", counters.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
		})

		go func() {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("debug serve")
			}
		}()
		logrus.Infof("debug listening on %s", *debugListen)
	}

	if certs != nil {
		go rotateOnHUP(ctx, certs)
	}

	// A nil *FileProvider must not become a non-nil interface.
	var provider identity.CertificateProvider
	if certs != nil {
		provider = certs
	}

	p, err := proxy.New(ctx, cfg, workloads, provider, counters)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"workloads": workloads.Len(),
		"tls":       cfg.TLSEnabled(),
		"egress":    cfg.Egress,
	}).Info("proxy started")

	p.Run()

	logrus.Info("shutting down")
	return nil
}

func setIfChanged[T any](flags *pflag.FlagSet, name string, dst *T, v T) {
	if flags.Changed(name) {
		*dst = v
	}
}

// rotateOnHUP reloads certificates from disk on SIGHUP.
func rotateOnHUP(ctx context.Context, certs *identity.FileProvider) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := certs.Rotate(); err != nil {
				logrus.WithError(err).Error("certificate rotation failed")
				continue
			}
			logrus.Info("certificates rotated")
		}
	}
}

func defaultEgress() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
