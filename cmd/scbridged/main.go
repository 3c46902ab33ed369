/*
 * Copyright 2026 OpenCard Lab.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/opencardlab/scbridge/pkg/bridge"
	"github.com/opencardlab/scbridge/pkg/config"
	"github.com/opencardlab/scbridge/pkg/lifecycle"
	"github.com/opencardlab/scbridge/pkg/version"
)

var errChannelLost = errors.New("channel to peer lost")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/scbridge/scbridged.json", "Path to bridge config file")
	flag.Parse()

	ctx := context.Background()

	var cfg bridge.Config

	cfgLoader := config.NewConfig(nil)
	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config from %s: %w", *configPath, err)
	}

	logInstance, err := lifecycle.CreateComponentLogger("scbridged", &cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	b, err := bridge.New(ctx, &cfg, logInstance)
	if err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	logInstance.Info().
		Str("version", version.GetFullVersion()).
		Str("channel_url", cfg.ChannelURL).
		Msg("Bridge running")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		select {
		case <-b.Done():
			return errChannelLost
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()

		return b.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errChannelLost) {
		return err
	}

	logInstance.Info().Msg("Bridge stopped")

	return nil
}
