package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/inkwall/pkg/canvasdoc"
	"github.com/astromechza/inkwall/pkg/config"
	"github.com/astromechza/inkwall/pkg/docsync"
	"github.com/astromechza/inkwall/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	outVar := flag.String("out", filepath.Join(os.TempDir(), "inkwall-mirror.png"), "where the canvas is rendered")
	renderVar := flag.Duration("render-interval", time.Second*5, "how often the canvas is rendered")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}

	m := &mirror{baseUrl: baseUrl, doc: automerge.New(), cfg: cfg, out: *outVar}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.connectAndSyncContinuously(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*renderVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.render()
			case <-ctx.Done():
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	m.render()
	return nil
}

type mirror struct {
	baseUrl *url.URL
	cfg     config.Config
	out     string

	lock sync.Mutex
	doc  *automerge.Doc
}

func (m *mirror) connectAndSyncContinuously(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := m.connectAndSync(ctx); err != nil {
				slog.Error("failed to sync", "err", err)
			}
		case <-ctx.Done():
			slog.Info("stopping scheduled sync")
			return
		}
	}
}

func (m *mirror) connectAndSync(ctx context.Context) error {
	u := m.baseUrl.JoinPath("canvas/sync")
	u.Scheme = "ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	m.lock.Lock()
	syncState := automerge.NewSyncState(m.doc)
	m.lock.Unlock()
	if err := docsync.Sync(ctx, conn, syncState, docsync.Options{Lock: &m.lock}); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

func (m *mirror) render() {
	m.lock.Lock()
	pixels, err := canvasdoc.Pixels(m.doc)
	heads := m.doc.Heads()
	m.lock.Unlock()
	if err != nil {
		slog.Error("failed to read canvas", "err", err)
		return
	}

	f, err := os.Create(m.out)
	if err != nil {
		slog.Error("failed to create output", "err", err)
		return
	}
	defer f.Close()
	if err := viz.RenderPNG(pixels, m.cfg.GridSize, m.cfg.Scale, f); err != nil {
		slog.Error("failed to render", "err", err)
		return
	}
	slog.Info("rendered", "path", "file://"+m.out, "cells", len(pixels), "heads", heads)
}
