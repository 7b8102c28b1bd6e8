package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/inkwall/pkg/broker"
	"github.com/astromechza/inkwall/pkg/config"
	"github.com/astromechza/inkwall/pkg/discovery"
	"github.com/astromechza/inkwall/pkg/server"
	"github.com/astromechza/inkwall/pkg/store"
	"github.com/astromechza/inkwall/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	driverVar := flag.String("db-driver", store.DriverSQLite, "the database driver: sqlite3 or pgx")
	dsnVar := flag.String("db", "inkwall.sqlite3", "the database dsn")
	redisVar := flag.String("redis", "", "a redis address to share notifications between replicas, empty for in-process")
	advertiseVar := flag.Bool("advertise", false, "advertise the server over mDNS")
	backupVar := flag.Duration("backup-interval", time.Second*5, "how often the canvas document is backed up")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "driver", *driverVar)
	st, err := store.Open(ctx, *driverVar, *dsnVar, cfg.GridSize, cfg.MaxInk)
	if err != nil {
		return err
	}
	defer st.Close()

	var br broker.Broker
	if *redisVar != "" {
		if br, err = broker.NewRedis(ctx, *redisVar, "inkwall"); err != nil {
			return err
		}
	} else {
		br = broker.NewLocal()
	}
	defer br.Close()

	httpServer := &http.Server{Addr: *addrVar, Handler: server.New(st, br).Handler()}

	if *advertiseVar {
		_, rawPort, err := net.SplitHostPort(*addrVar)
		if err != nil {
			return fmt.Errorf("failed to parse addr: %w", err)
		}
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return fmt.Errorf("failed to parse port: %w", err)
		}
		shutdown, err := discovery.Advertise(port)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*backupVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := st.Backup(ctx); err != nil {
					slog.Error("failed to backup doc in database", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	if err := st.Backup(context.Background()); err != nil {
		slog.Error("failed final backup", "err", err)
	}
	if pixels, err := st.Canvas(); err != nil {
		slog.Error("failed to read canvas", "err", err)
	} else if pngPath, err := viz.RenderPNGToTemp(pixels, cfg.GridSize, cfg.Scale); err != nil {
		slog.Error("failed to render canvas", "err", err)
	} else {
		slog.Info("rendered canvas", "path", "file://"+pngPath, "cells", len(pixels))
	}
	return st.WithDoc(func(doc *automerge.Doc) error {
		dumpDoc(doc)
		return nil
	})
}

func dumpDoc(doc *automerge.Doc) {
	tf := filepath.Join(os.TempDir(), "inkwall-"+doc.ActorID()+".automerge")
	if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
		slog.Error("failed to dump", "err", err)
	} else {
		slog.Info("dumped", "path", tf)
	}
	if svgPath, err := viz.RenderHistoryToTemp(doc); err != nil {
		slog.Error("failed to render history", "err", err)
	} else {
		slog.Info("rendered history", "path", "file://"+svgPath)
	}
}
