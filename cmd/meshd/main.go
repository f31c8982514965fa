// Command meshd runs the mesh VPN connection core as a standalone daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"net/http/pprof"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/meshvpn/meshd/pkg/mesh"
	"github.com/meshvpn/meshd/pkg/meshd"
	"github.com/spf13/pflag"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var c meshd.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	d, err := meshd.New(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize daemon: %v\n", err)
		os.Exit(1)
	}

	if dbgAddr, _ := getEnvList("MESHD_DEBUG_ADDR", e); dbgAddr != "" {
		dbg := http.NewServeMux()
		dbg.HandleFunc("/debug/pprof/", pprof.Index)
		dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
		dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
		dbg.Handle("/mesh", mesh.DebugMonitorHandler(d.Comm()))
		dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			d.Comm().WritePrometheus(w)
		})
		go func() {
			d.Logger.Info().Str("addr", dbgAddr).Msg("starting debug server")
			if err := http.ListenAndServe(dbgAddr, dbg); err != nil {
				d.Logger.Warn().Err(err).Msg("debug server exited")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			d.Logger.Info().Msg("got SIGHUP, reloading")
			d.HandleSIGHUP()
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.CommCloseTimeout*10)
		d.Shutdown(shutdownCtx)
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: run daemon: %v\n", err)
			os.Exit(1)
		}
	}
}

func getEnvList(k string, e ...[]string) (string, bool) {
	for _, l := range e {
		for _, x := range l {
			if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
				return xv, true
			}
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
