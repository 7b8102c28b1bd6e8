// Package docsync runs the automerge sync protocol for the canvas document over a websocket.
package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
)

// Options tune a sync session. Lock guards the document shared with other goroutines. After every message that
// carried changes, AfterReceive runs while Lock is still held, then OnReceive runs outside it.
type Options struct {
	Lock         sync.Locker
	Interval     time.Duration
	AfterReceive func() error
	OnReceive    func()
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

type session struct {
	conn      *websocket.Conn
	syncState *automerge.SyncState
	docLock   sync.Locker
	after     func() error
	// gorilla connections allow one concurrent writer
	writeLock sync.Mutex
}

func (s *session) readAndReceiveMessage() (bool, error) {
	mt, p, err := s.conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("failed to read message: %w", err)
	}
	if mt != websocket.BinaryMessage {
		return false, nil
	}
	s.docLock.Lock()
	defer s.docLock.Unlock()
	msg, err := s.syncState.ReceiveMessage(p)
	if err != nil {
		return false, fmt.Errorf("failed to receive message: %w", err)
	}
	changed := len(msg.Changes()) > 0
	if changed && s.after != nil {
		if err := s.after(); err != nil {
			return changed, fmt.Errorf("failed to process received changes: %w", err)
		}
	}
	return changed, nil
}

func (s *session) generateAndWriteMessage() (bool, error) {
	s.docLock.Lock()
	msg, valid := s.syncState.GenerateMessage()
	s.docLock.Unlock()
	if msg == nil || !valid {
		return false, nil
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg.Bytes()); err != nil {
		return false, fmt.Errorf("failed to write message: %w", err)
	}
	return true, nil
}

func (s *session) drain() error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	for {
		if ok, err := s.generateAndWriteMessage(); err != nil {
			return err
		} else if !ok {
			return nil
		}
	}
}

// Sync exchanges messages until the connection fails or ctx is done. Local changes are offered every interval.
func Sync(ctx context.Context, conn *websocket.Conn, syncState *automerge.SyncState, opts Options) error {
	lock := opts.Lock
	if lock == nil {
		lock = nopLocker{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	s := &session{conn: conn, syncState: syncState, docLock: lock, after: opts.AfterReceive}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var readErr error
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			changed, err := s.readAndReceiveMessage()
			if err != nil {
				if ctx.Err() == nil {
					readErr = err
				}
				return
			}
			if changed && opts.OnReceive != nil {
				opts.OnReceive()
			}
			// answer straight away so the peer is not left waiting for the next interval
			if err := s.drain(); err != nil {
				readErr = err
				return
			}
		}
	}()

	writeErr := func() error {
		if err := s.drain(); err != nil {
			return err
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := s.drain(); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	}()
	// unblock the reader
	_ = conn.Close()
	wg.Wait()

	if writeErr != nil {
		slog.Error("sync write failed", "err", writeErr)
		return writeErr
	}
	return readErr
}
