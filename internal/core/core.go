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

// Package core assembles the server from configuration: storage chain,
// queue, outbound delivery, bot dispatcher and the protocol endpoint all
// hang off one CoreContext built once at startup.
package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/auth"
	"github.com/transilvlad/robin-sub002/internal/bot"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/dsn"
	"github.com/transilvlad/robin-sub002/internal/endpoint/smtp"
	"github.com/transilvlad/robin-sub002/internal/lda"
	"github.com/transilvlad/robin-sub002/internal/processor"
	"github.com/transilvlad/robin-sub002/internal/proxy"
	"github.com/transilvlad/robin-sub002/internal/queue"
	"github.com/transilvlad/robin-sub002/internal/remote"
	"github.com/transilvlad/robin-sub002/internal/storage/local"
	"github.com/transilvlad/robin-sub002/internal/webhook"
)

// CoreContext owns every long-lived component. Everything is reachable
// from here; there are no package-level singletons.
type CoreContext struct {
	Cfg config.Config
	Log log.Logger

	TLSConfig     *tls.Config
	Authenticator auth.Authenticator

	Hook *webhook.Client
	Raw  *webhook.RawClient

	Router *proxy.Router
	Bots   *bot.Bindings
	BotRun *bot.Dispatcher

	Maildir *local.Maildir
	LDA     *lda.Agent

	Store queue.Store
	Queue *queue.Manager
	Cron  *queue.Cron

	Resolver *remote.Resolver
	Remote   *remote.Target

	DSN *dsn.Builder

	Chain    *processor.Chain
	Endpoint *smtp.Endpoint

	listeners []net.Listener
}

// New builds the component graph from cfg. Nothing starts listening or
// ticking until Run.
func New(cfg config.Config, logger log.Logger) (*CoreContext, error) {
	c := &CoreContext{Cfg: cfg, Log: logger}

	for _, dir := range []string{cfg.StorageDir, cfg.SpoolDir(), cfg.QueueDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("core: TLS keypair: %w", err)
		}
		c.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if cfg.Auth.Enabled {
		c.Authenticator = auth.NewStaticTable(cfg.Auth)
	}

	if cfg.Webhook.URL != "" {
		c.Hook = webhook.NewClient(cfg.Webhook, c.named("webhook"))
	}
	if cfg.Webhook.RawURL != "" {
		c.Raw = webhook.NewRawClient(cfg.Webhook, cfg.Hostname, c.named("webhook"))
	}

	if len(cfg.Proxy.Rules) != 0 {
		router, err := proxy.NewRouter(cfg.Proxy.Rules, cfg.Hostname, c.named("proxy"))
		if err != nil {
			return nil, err
		}
		c.Router = router
	}

	if len(cfg.Bot.Bindings) != 0 {
		bots, err := bot.CompileBindings(cfg.Bot.Bindings)
		if err != nil {
			return nil, err
		}
		c.Bots = bots
	}

	store, err := queue.Open(cfg.Queue, cfg.QueueDir(), c.named("queue"))
	if err != nil {
		return nil, err
	}
	c.Store = store
	c.Queue = queue.NewManager(store, cfg.QueueDir(), cfg.Queue.Backend, c.named("queue"))

	if c.Bots != nil {
		c.BotRun = bot.NewDispatcher(cfg.Hostname, cfg.Bot.Workers, c.Queue, c.named("bot"))
	}

	maildirRoot := cfg.Local.MaildirRoot
	if maildirRoot == "" {
		maildirRoot = cfg.StorageDir + "/maildir"
	}
	c.Maildir = local.NewMaildir(maildirRoot, c.named("local"))
	c.LDA = lda.New(cfg.Local.LDA, c.named("lda"))

	resolver, err := remote.NewResolver(cfg.Remote, c.named("remote"))
	if err != nil {
		return nil, err
	}
	c.Resolver = resolver
	c.Remote = remote.NewTarget(cfg.Remote, cfg.Hostname, resolver, c.named("remote"))

	c.DSN = dsn.NewBuilder(cfg.Hostname, c.named("dsn"))

	c.Chain = c.buildChain()
	c.Cron = queue.NewCron(cfg.Queue.Cron, store, c.deliverer(), c.DSN,
		cfg.QueueDir(), cfg.Queue.Backend, c.named("queue"))

	endp := smtp.New(cfg.Server, cfg.Hostname, c.named("smtp"))
	endp.TLSConfig = c.TLSConfig
	endp.Authenticator = c.Authenticator
	endp.Hook = c.Hook
	endp.Router = c.Router
	endp.Bots = c.Bots
	endp.Chain = c.Chain
	endp.SpoolDir = cfg.SpoolDir()
	c.Endpoint = endp

	return c, nil
}

// buildChain assembles the storage processor chain in its fixed order:
// AV, spam, RAW webhook, bot dispatch, DKIM, local delivery, proxy
// stream, queue decision. Disabled steps are simply absent.
func (c *CoreContext) buildChain() *processor.Chain {
	chainLog := c.named("chain")
	var procs []processor.Processor

	if av := processor.NewAV(c.Cfg.Scan.ClamAV, chainLog); av != nil {
		procs = append(procs, av)
	}
	if spam := processor.NewSpam(c.Cfg.Scan.Rspamd, c.Cfg.Hostname, chainLog); spam != nil {
		procs = append(procs, spam)
	}
	if c.Raw.Enabled() {
		procs = append(procs, &processor.RawHook{
			Client: c.Raw,
			Wait:   c.Cfg.Webhook.WaitForResponse,
			Log:    chainLog,
		})
	}
	if c.BotRun != nil {
		procs = append(procs, &processor.BotDispatch{Dispatcher: c.BotRun, Log: chainLog})
	}
	if signer, err := processor.NewSigner(c.Cfg.DKIM, chainLog); err != nil {
		c.Log.Error("DKIM signing disabled", err)
	} else if signer != nil {
		procs = append(procs, signer)
	}
	procs = append(procs,
		&processor.Local{
			IsLocal: c.Cfg.IsLocalDomain,
			Maildir: c.Maildir,
			LDA:     c.LDA,
			Queue:   c.Queue,
			Bounce:  c.DSN,
			Log:     chainLog,
		},
		&processor.ProxyStream{Queue: c.Queue, Log: chainLog},
		&processor.QueueDecision{Queue: c.Queue, Log: chainLog},
	)

	return &processor.Chain{Procs: procs, Log: chainLog}
}

// Run opens the configured listeners, starts the retry cron and blocks
// until ctx is cancelled, then shuts everything down in reverse order.
func (c *CoreContext) Run(ctx context.Context) error {
	for _, addr := range c.Cfg.Server.Listen {
		endp, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("core: listen %s: %w", addr, err)
		}
		if endp.Network() == "unix" {
			os.Remove(endp.Address())
		}
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			return fmt.Errorf("core: listen %s: %w", addr, err)
		}
		c.listeners = append(c.listeners, l)
		c.Log.Msg("listening", "addr", endp.String(), "tls", endp.IsTLS())
		go c.Endpoint.Serve(l, endp.IsTLS())
	}

	c.Cron.Start()

	<-ctx.Done()
	return c.Close()
}

// Close stops the endpoint first so no new envelopes enter the chain,
// then the cron, the bot workers and finally the queue store.
func (c *CoreContext) Close() error {
	c.Endpoint.Close()
	c.Cron.Close()
	if c.BotRun != nil {
		c.BotRun.Close()
	}
	return c.Store.Close()
}

func (c *CoreContext) named(name string) log.Logger {
	l := c.Log
	l.Name = name
	return l
}
