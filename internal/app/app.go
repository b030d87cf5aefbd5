// Package app is the application-level orchestration: build dependencies
// from config, then run the engine, the price feed, the schedulers and the
// HTTP API under one errgroup.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Leraiman/trading-bot/internal/config"
	"github.com/Leraiman/trading-bot/internal/engine"
	"github.com/Leraiman/trading-bot/internal/exchange"
	binanceclient "github.com/Leraiman/trading-bot/internal/exchange/binance"
	"github.com/Leraiman/trading-bot/internal/exchange/paper"
	"github.com/Leraiman/trading-bot/internal/feed"
	"github.com/Leraiman/trading-bot/internal/logger"
	"github.com/Leraiman/trading-bot/internal/notifier"
	"github.com/Leraiman/trading-bot/internal/scheduler"
	"github.com/Leraiman/trading-bot/internal/store/sqlite"
	"github.com/Leraiman/trading-bot/internal/transport/httpapi"
)

type App struct {
	cfg    *config.Config
	engine *engine.Engine
	store  *sqlite.Store
	poller *feed.Poller
	http   *httpapi.Server
}

// NewApp builds the application object without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	store, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	// the market-data client is always built; with no API keys it still
	// serves public price endpoints for the paper executor and the feed
	marketClient := binanceclient.New(cfg.Exchange)
	var liveClient exchange.Client
	if cfg.Exchange.APIKey != "" && cfg.Exchange.APISecret != "" {
		liveClient = marketClient
	} else {
		logger.Warnf("no exchange credentials configured, live sessions disabled")
	}

	paperExec := paper.New(marketClient, cfg.Paper)

	var notify notifier.TextNotifier
	if tg := cfg.Notify.Telegram; tg.Enabled && tg.BotToken != "" && tg.ChatID != "" {
		notify = notifier.NewTelegram(tg.BotToken, tg.ChatID)
		logger.Infof("telegram notifications enabled")
	}

	eng := engine.New(engine.Params{
		Config:     cfg,
		LiveClient: liveClient,
		Paper:      paperExec,
		Halts:      store,
		Notify:     notify,
	})

	poller := feed.NewPoller(marketClient, eng, eng.Symbol(),
		time.Duration(cfg.Feed.PollIntervalSeconds*float64(time.Second)))

	router := httpapi.NewRouter(eng, store, marketClient)
	server, err := httpapi.NewServer(cfg.App.HTTPAddr, router)
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}

	return &App{cfg: cfg, engine: eng, store: store, poller: poller, http: server}, nil
}

// Engine exposes the control engine for test harnesses.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts every component and blocks until ctx is canceled or a component
// fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	a.engine.Start()
	defer a.engine.Stop()
	defer a.store.Close()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := a.poller.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("price feed error: %w", err)
		}
		return nil
	})

	// midnight UTC rollover resets the daily loss baseline
	group.Go(func() error {
		sched := scheduler.NewAlignedScheduler(ctx, "day-rollover", 24*time.Hour, time.Second)
		sched.Start(func() {
			if _, err := a.engine.RolloverDay(ctx, time.Now()); err != nil {
				logger.Warnf("day rollover skipped: %v", err)
			}
		})
		return nil
	})

	// periodic guardrail evaluation catches equity breaches from pure
	// market movement, independent of order flow
	group.Go(func() error {
		sched := scheduler.NewAlignedScheduler(ctx, "guardrails", 15*time.Second, 0)
		sched.Start(func() {
			if _, err := a.engine.EvaluateNow(ctx); err != nil {
				logger.Warnf("periodic evaluation skipped: %v", err)
			}
		})
		return nil
	})

	return group.Wait()
}
