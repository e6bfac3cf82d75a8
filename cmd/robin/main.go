/*
Robin Mail Transfer Agent - SMTP/ESMTP/LMTP debugging and staging server.
Copyright © 2021-2026 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/core"
)

// Version is set by the build via -ldflags "-X main.Version=...".
var Version = "unknown"

func main() {
	configPath := flag.String("config", "/etc/robin/robin.toml", "configuration file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	version := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("robin", Version)
		return
	}

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "robin:", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Name:  "robin",
		Debug: debug || cfg.Debug,
	}
	logger.Msg("starting", "version", Version, "hostname", cfg.Hostname)

	ctx, err := core.New(cfg, logger)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = ctx.Run(runCtx)
	logger.Msg("shutdown complete")
	return err
}
