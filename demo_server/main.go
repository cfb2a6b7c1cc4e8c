// Command demo_server serves the directory web_app next to its executable on
// http://localhost:8080 with the cross-origin isolation headers, so the wasm
// demo can use SharedArrayBuffer. Usage:
//
//	demo_server [-config demo_server.toml]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/mywrap/coisvr"
	"github.com/mywrap/log"
)

// interruptNotice is printed after the server stopped on a signal
const interruptNotice = "[!] Keyboard Interrupted!"

func main() {
	configPath := flag.String("config", "",
		"optional .toml or .yaml file, default serves web_app on localhost:8080")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, color.Output); err != nil {
		log.Fatalf("error demo_server: %v", err)
	}
}

// run serves until ctx is done, then prints the interrupt notice to stdout.
// An empty configPath means the default config.
func run(ctx context.Context, configPath string, stdout io.Writer) error {
	var conf coisvr.Config
	var err error
	if configPath != "" {
		conf, err = coisvr.LoadConfig(configPath)
	} else {
		conf, err = coisvr.NewDefaultConfig()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := coisvr.NewServer(conf)
	if err != nil {
		return err
	}
	if err := s.Listen(); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(stdout, "serving %v at %v\n", conf.Root, s.URL())
	if conf.Metric {
		log.Printf("request metric at %v%v", s.URL(), conf.MetricPath)
	}
	if err := s.Serve(ctx); err != nil {
		return err
	}
	color.New(color.FgRed).Fprintln(stdout, interruptNotice)
	return nil
}
