package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/umputun/go-flags"

	"github.com/umputun/cert-watcher/app/config"
	"github.com/umputun/cert-watcher/app/exporter"
	"github.com/umputun/cert-watcher/app/probe"
	"github.com/umputun/cert-watcher/app/server"
)

var revision string

var opts struct {
	Listen  string   `short:"l" long:"listen" env:"LISTEN" default:"0.0.0.0:8000" description:"listen on host:port"`
	Domains []string `short:"d" long:"domain" env:"DOMAINS" env-delim:"," description:"domains to check, host or host:port"`
	Config  string   `short:"c" long:"config" env:"CONFIG" description:"yaml config file with domains"`

	Port        int           `long:"port" env:"PORT" default:"443" description:"tls port for domains without explicit port"`
	TimeOut     time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"connect and handshake timeout for each domain"`
	Concurrency int           `long:"concurrency" env:"CONCURRENCY" default:"4" description:"number of concurrent probes"`
	Insecure    bool          `long:"insecure" env:"INSECURE" description:"skip certificate verification, report expired certs by days left"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"show debug info"`
}

func main() {
	fmt.Printf("cert-watcher %s\n", revision)

	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		p.WriteHelp(os.Stderr)
		os.Exit(2)
	}
	setupLog(opts.Dbg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}

		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	domains, err := loadDomains(opts.Domains, opts.Config)
	if err != nil {
		log.Fatalf("[ERROR] %s", err)
	}

	prober := &probe.Prober{TimeOut: opts.TimeOut, Port: opts.Port, Insecure: opts.Insecure}
	if opts.Insecure {
		log.Printf("[WARN] certificate verification disabled")
	}
	exp := exporter.New(prober, opts.Concurrency, domains...)
	exp.Registry().MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.Rest{
		Listen:  opts.Listen,
		Version: revision,
		Metrics: exp.Handler(),
	}

	if err := srv.Run(ctx); err != nil && err.Error() != "http: Server closed" {
		log.Fatalf("[ERROR] %s", err)
	}
}

// loadDomains merges domains from command line (or env) with domains from optional config file.
// Blank values and values starting with # are skipped.
func loadDomains(domains []string, configFile string) ([]string, error) {
	all := append([]string{}, domains...)
	if configFile != "" {
		conf, err := config.New(configFile)
		if err != nil {
			return nil, err
		}
		log.Printf("[DEBUG] %s", conf)
		all = append(all, conf.MarshalDomains()...)
	}
	res := make([]string, 0, len(all))
	for _, d := range all {
		d = strings.TrimSpace(d)
		if d == "" || strings.HasPrefix(d, "#") {
			continue
		}
		res = append(res, d)
	}
	if len(res) == 0 {
		return nil, errors.New("no domains defined, use --domain or --config")
	}
	return res, nil
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
