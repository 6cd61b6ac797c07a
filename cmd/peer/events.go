package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// eventBuffer bounds the queued progress events. Other kinds are never
// dropped.
const eventBuffer = 256

// eventSink hands link events to a single consumer goroutine.
type eventSink struct {
	mu       sync.Mutex
	queue    []domain.LinkEvent
	progress int
	ready    chan struct{}
}

var _ port.EventSink = (*eventSink)(nil)

func newEventSink() *eventSink {
	return &eventSink{ready: make(chan struct{}, 1)}
}

func (s *eventSink) Publish(ev domain.LinkEvent) {
	s.mu.Lock()
	if ev.Kind == domain.EventTransferProgress {
		if s.progress >= eventBuffer {
			s.mu.Unlock()
			log.Debug().Str("link", ev.Link.String()).Msg("Event queue full, dropping progress event")
			return
		}
		s.progress++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *eventSink) take() []domain.LinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	s.progress = 0
	return batch
}

func (s *eventSink) run(ctx context.Context, h *sessionHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ready:
			for _, ev := range s.take() {
				h.handle(ctx, ev)
			}
		}
	}
}

type signalHandler interface {
	HandleSignal(ctx context.Context, env domain.Envelope) error
}

// pumpSignals feeds relay envelopes to h until in closes. A failed
// envelope is logged and the pump moves on.
func pumpSignals(ctx context.Context, in <-chan domain.Envelope, h signalHandler, l zerolog.Logger) {
	for env := range in {
		if err := h.HandleSignal(ctx, env); err != nil {
			l.Warn().Err(err).Str("type", string(env.Type)).Msg("Failed to handle signal")
		}
	}
}

type sender interface {
	SendFile(ctx context.Context, to domain.ParticipantID, meta domain.FileMetadata, r io.Reader) error
}

// sessionHandler reacts to link events: it sends the configured file to
// each peer the first time its link connects and saves inbound files.
type sessionHandler struct {
	svc      sender
	sendPath string
	outDir   string

	mu      sync.Mutex
	sent    map[domain.ParticipantID]bool
	sending sync.WaitGroup
}

func (h *sessionHandler) handle(ctx context.Context, ev domain.LinkEvent) {
	l := log.With().Str("peer", ev.Link.Remote.String()).Logger()

	switch ev.Kind {
	case domain.EventStateChanged:
		l.Info().Str("from", ev.Previous.String()).Str("to", ev.State.String()).Msg("Link state changed")
		if ev.State == domain.LinkConnected {
			h.maybeSend(ctx, ev.Link.Remote)
		}
	case domain.EventError:
		l.Warn().Err(ev.Err).Msg("Link error")
	case domain.EventPeerUnreachable:
		l.Warn().Msg("Peer unreachable, giving up")
	case domain.EventGlareRollback:
		l.Debug().Msg("Rolled back local offer after glare")
	case domain.EventRemoteTrack:
		l.Info().Str("track_id", ev.Track.ID).Str("kind", string(ev.Track.Kind)).Msg("Remote track")
	case domain.EventTransferStarted:
		logTransfer(l.Info(), ev.Transfer).Msg("Transfer started")
	case domain.EventTransferProgress:
		logTransfer(l.Debug(), ev.Transfer).Msg("Transfer progress")
	case domain.EventTransferComplete:
		logTransfer(l.Info(), ev.Transfer).Msg("Transfer complete")
		if ev.Transfer != nil && ev.Transfer.Direction == domain.Inbound {
			path, err := h.save(ev.Transfer.Meta, ev.Data)
			if err != nil {
				l.Error().Err(err).Msg("Failed to save received file")
				return
			}
			l.Info().Str("path", path).Msg("Saved received file")
		}
	case domain.EventTransferFailed:
		logTransfer(l.Warn(), ev.Transfer).Err(ev.Err).Msg("Transfer failed")
	}
}

func logTransfer(e *zerolog.Event, p *domain.TransferProgress) *zerolog.Event {
	if p == nil {
		return e
	}
	return e.Str("file_id", p.Meta.FileID.String()).
		Str("name", p.Meta.Name).
		Str("direction", p.Direction.String()).
		Int64("bytes", p.Bytes).
		Int64("size", p.Meta.Size)
}

func (h *sessionHandler) maybeSend(ctx context.Context, to domain.ParticipantID) {
	if h.sendPath == "" {
		return
	}
	h.mu.Lock()
	if h.sent[to] {
		h.mu.Unlock()
		return
	}
	h.sent[to] = true
	h.mu.Unlock()

	h.sending.Add(1)
	go func() {
		defer h.sending.Done()
		if err := h.sendFile(ctx, to); err != nil {
			log.Error().Err(err).Str("peer", to.String()).Msg("Send failed")
		}
	}()
}

func (h *sessionHandler) sendFile(ctx context.Context, to domain.ParticipantID) error {
	f, err := os.Open(h.sendPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	meta := domain.FileMetadata{
		FileID: domain.NewFileID(),
		Name:   filepath.Base(h.sendPath),
		Size:   info.Size(),
		MIME:   "application/octet-stream",
	}
	if m, err := mimetype.DetectFile(h.sendPath); err == nil {
		meta.MIME = m.String()
	}
	return h.svc.SendFile(ctx, to, meta, f)
}

// save writes data under outDir. Only the base of the remote name is used.
func (h *sessionHandler) save(meta domain.FileMetadata, data []byte) (string, error) {
	name := filepath.Base(filepath.Clean("/" + meta.Name))
	if name == "/" || name == "." {
		name = meta.FileID.String()
	}
	path := filepath.Join(h.outDir, name)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(h.outDir, fmt.Sprintf("%s-%s", meta.FileID, name))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (h *sessionHandler) wait() { h.sending.Wait() }
