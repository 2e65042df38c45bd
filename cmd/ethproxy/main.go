// Command ethproxy translates legacy HTTP getwork requests from Ethereum-
// style GPU miners into line-delimited Stratum JSON-RPC spoken to one or
// more upstream pools, failing over between pools as they connect and
// disconnect.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/eth-proxy/ethproxy/internal/config"
	"github.com/eth-proxy/ethproxy/internal/plog"
	"github.com/eth-proxy/ethproxy/internal/version"
)

type options struct {
	ConfigPath string `short:"c" long:"config" description:"path to eth-proxy.conf" default:"eth-proxy.conf"`
	Version    bool   `short:"v" long:"version" description:"print version and exit"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}
	if opts.Version {
		fmt.Println(version.Version)
		return nil
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", opts.ConfigPath, err)
	}

	logMgr, err := plog.NewManager(plog.ParseLevel(cfg.LogLevel), cfg.LogToFile, "proxy.log")
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer logMgr.Close()

	hub := newHub(cfg, logMgr)
	return hub.Run()
}
