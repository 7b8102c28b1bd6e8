package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/inkwall/pkg/config"
	"github.com/astromechza/inkwall/pkg/discovery"
	"github.com/astromechza/inkwall/pkg/localcache"
	"github.com/astromechza/inkwall/pkg/replication"
	"github.com/astromechza/inkwall/pkg/replication/memory"
	"github.com/astromechza/inkwall/pkg/replication/remote"
	"github.com/astromechza/inkwall/pkg/viz"
	"github.com/astromechza/inkwall/pkg/wall"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	discoverVar := flag.Bool("discover", false, "find the server over mDNS instead of using -addr")
	offlineVar := flag.Bool("offline", false, "paint against an in-memory store")
	idVar := flag.String("id", "", "the participant id, defaults to the cached one")
	cacheVar := flag.String("cache", "", "the participant cache file, defaults to the user config dir")
	paceVar := flag.Duration("pace", time.Second, "the base delay between paints")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(ctx, *addrVar, *discoverVar, *offlineVar, cfg)
	if err != nil {
		return err
	}

	cachePath := *cacheVar
	if cachePath == "" {
		if cachePath, err = localcache.DefaultPath(); err != nil {
			return err
		}
	}

	session, err := wall.Open(ctx, backend, localcache.NewFile(cachePath), cfg, *idVar)
	if err != nil {
		slog.Warn("session opened with errors, painting on local state", "err", err)
	}
	slog.Info("established session", "id", session.Ledger().ID(), "ink", session.Ledger().Ink(), "cells", session.Grid().Len())

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		paintRandomlyContinuously(ctx, session, cfg, *paceVar)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := session.Close(closeCtx); err != nil {
		slog.Error("failed to close session", "err", err)
	}

	pngPath, err := viz.RenderPNGToTemp(session.Grid().Pixels(), cfg.GridSize, cfg.Scale)
	if err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+pngPath)
	return nil
}

func openBackend(ctx context.Context, addr string, discover, offline bool, cfg config.Config) (replication.Backend, error) {
	if offline {
		slog.Info("painting offline")
		return memory.New(cfg.GridSize, cfg.MaxInk), nil
	}
	if discover {
		lookupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		u, err := discovery.Lookup(lookupCtx)
		if err != nil {
			return nil, err
		}
		return remote.New(u), nil
	}
	u, err := url.Parse("http://" + addr)
	if err != nil {
		return nil, err
	}
	return remote.New(u), nil
}

func paintRandomlyContinuously(ctx context.Context, session *wall.Session, cfg config.Config, pace time.Duration) {
	for {
		t := time.NewTimer(pace + time.Duration(rand.Int63n(int64(pace)+1)))
		select {
		case <-t.C:
			x, y := rand.Intn(cfg.GridSize), rand.Intn(cfg.GridSize)
			color := config.Palette[rand.Intn(len(config.Palette))]
			if err := session.Paint(x, y, color); errors.Is(err, wall.ErrInsufficientInk) {
				slog.Info("out of ink, waiting for regeneration", "ink", session.Ledger().Ink())
			} else if err != nil {
				slog.Error("failed to paint", "err", err)
			} else {
				slog.Info("painted", "x", x, "y", y, "color", color, "ink", session.Ledger().Ink())
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping painting")
			return
		}
	}
}
