package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Wyydra/yamesh/internal/clock"
	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/vmihailenco/msgpack/v5"
)

// Every data channel frame starts with one kind byte. Metadata and abort
// bodies are msgpack, chunk bodies are raw file bytes.
const (
	frameMetadata byte = 'M'
	frameChunk    byte = 'C'
	frameAbort    byte = 'A'
)

// chunkOverhead is what a chunk frame adds on top of its payload.
const chunkOverhead = 1

// initialBuffer caps the receive buffer preallocation. The declared size
// is untrusted until the bytes actually arrive.
const initialBuffer = 64 * 1024

// metadataFrame opens every transfer.
type metadataFrame struct {
	FileID string `msgpack:"fileId"`
	Name   string `msgpack:"name"`
	Size   int64  `msgpack:"size"`
	MIME   string `msgpack:"mime"`
}

// abortFrame tells the receiver the sender gave up on FileID.
type abortFrame struct {
	FileID string `msgpack:"fileId"`
	Reason string `msgpack:"reason"`
}

func tagged(kind byte, v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{kind}, body...), nil
}

func encodeMetadata(m domain.FileMetadata) ([]byte, error) {
	return tagged(frameMetadata, metadataFrame{
		FileID: m.FileID.String(),
		Name:   m.Name,
		Size:   m.Size,
		MIME:   m.MIME,
	})
}

// decodeMetadata parses a metadata frame body, without the kind byte.
func decodeMetadata(body []byte) (domain.FileMetadata, error) {
	var f metadataFrame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return domain.FileMetadata{}, fmt.Errorf("decode metadata frame: %w", err)
	}
	id, err := domain.ParseFileID(f.FileID)
	if err != nil {
		return domain.FileMetadata{}, err
	}
	return domain.FileMetadata{FileID: id, Name: f.Name, Size: f.Size, MIME: f.MIME}, nil
}

func encodeAbort(id domain.FileID, reason string) ([]byte, error) {
	return tagged(frameAbort, abortFrame{FileID: id.String(), Reason: reason})
}

func decodeAbort(body []byte) (domain.FileID, string, error) {
	var f abortFrame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return domain.FileID{}, "", fmt.Errorf("decode abort frame: %w", err)
	}
	id, err := domain.ParseFileID(f.FileID)
	if err != nil {
		return domain.FileID{}, "", err
	}
	return id, f.Reason, nil
}

type progressFunc func(kind domain.EventKind, p *domain.TransferProgress, err error)

// sender streams one file over a data channel, never handing the
// channel a chunk while more than the high-water mark is buffered.
type sender struct {
	ch     port.DataChannel
	cfg    config.TransferConfig
	clock  clock.Clock
	report progressFunc
}

func (s *sender) send(ctx context.Context, meta domain.FileMetadata, r io.Reader) (err error) {
	session := domain.NewTransferSession(meta, domain.Outbound, s.cfg.ChunkSize)

	frame, err := encodeMetadata(meta)
	if err != nil {
		return s.abort(session, err)
	}
	if err := s.ch.Send(frame); err != nil {
		return s.abort(session, fmt.Errorf("%w: %v", domain.ErrChannelClosed, err))
	}
	defer func() {
		if err != nil {
			s.cancelRemote(meta.FileID, err)
		}
	}()
	s.report(domain.EventTransferStarted, session.Progress(), nil)

	lowSignal := make(chan struct{}, 1)
	s.ch.SetBufferedAmountLowThreshold(s.cfg.LowWaterMark)
	s.ch.OnBufferedAmountLow(func() {
		select {
		case lowSignal <- struct{}{}:
		default:
		}
	})
	defer s.ch.OnBufferedAmountLow(nil)

	for session.BytesTransferred < meta.Size {
		if err := context.Cause(ctx); err != nil {
			return s.abort(session, err)
		}

		want := min(int64(s.cfg.ChunkSize), meta.Size-session.BytesTransferred)
		chunk := make([]byte, chunkOverhead+want)
		chunk[0] = frameChunk
		n, err := io.ReadFull(r, chunk[chunkOverhead:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return s.fail(session, domain.ErrSizeMismatch, fmt.Sprintf("source ended at %d of %d bytes", session.BytesTransferred+int64(n), meta.Size))
		}
		if err != nil {
			return s.abort(session, fmt.Errorf("read source: %w", err))
		}

		if err := s.waitForWindow(ctx, lowSignal); err != nil {
			return s.abort(session, err)
		}
		if err := s.ch.Send(chunk); err != nil {
			return s.abort(session, fmt.Errorf("%w: %v", domain.ErrChannelClosed, err))
		}
		if err := session.Advance(n); err != nil {
			return s.failWith(session, err)
		}
		s.report(domain.EventTransferProgress, session.Progress(), nil)
	}

	s.report(domain.EventTransferComplete, session.Progress(), nil)
	return nil
}

// cancelRemote tells the receiver to drop a transfer that already sent
// its metadata. A channel that can no longer carry the frame is closing
// anyway and the receiver aborts on disconnect.
func (s *sender) cancelRemote(id domain.FileID, cause error) {
	frame, err := encodeAbort(id, cause.Error())
	if err != nil {
		return
	}
	_ = s.ch.Send(frame)
}

// waitForWindow blocks while the channel holds more than the high-water
// mark. A wait that sees no drain at all for StallTimeout fails.
func (s *sender) waitForWindow(ctx context.Context, lowSignal <-chan struct{}) error {
	for {
		buffered := s.ch.BufferedAmount()
		if buffered <= s.cfg.HighWaterMark {
			return nil
		}

		stalled := make(chan struct{})
		timer := s.clock.AfterFunc(s.cfg.StallTimeout, func() { close(stalled) })
		select {
		case <-lowSignal:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-stalled:
			if s.ch.BufferedAmount() >= buffered {
				return fmt.Errorf("channel stalled with %d bytes buffered", buffered)
			}
		}
	}
}

func (s *sender) abort(session *domain.TransferSession, cause error) error {
	err := session.Abort(cause)
	s.report(domain.EventTransferFailed, session.Progress(), err)
	return err
}

func (s *sender) fail(session *domain.TransferSession, sentinel error, details string) error {
	return s.failWith(session, &domain.TransferError{
		File:             session.Meta.FileID,
		BytesTransferred: session.BytesTransferred,
		Err:              sentinel,
		Details:          details,
	})
}

func (s *sender) failWith(session *domain.TransferSession, err error) error {
	session.Status = domain.TransferAborted
	s.report(domain.EventTransferFailed, session.Progress(), err)
	return err
}

// receiver reassembles inbound transfers from tagged frames. It is only
// touched by the owning link's run goroutine.
type receiver struct {
	maxSize int64
	report  func(kind domain.EventKind, p *domain.TransferProgress, err error, data []byte)

	session *domain.TransferSession
	buf     bytes.Buffer
}

func (r *receiver) handle(frame []byte) {
	if len(frame) == 0 {
		r.malformed(errors.New("empty frame"))
		return
	}
	body := frame[1:]
	switch frame[0] {
	case frameMetadata:
		r.open(body)
	case frameChunk:
		r.chunk(body)
	case frameAbort:
		r.remoteAbort(body)
	default:
		r.malformed(fmt.Errorf("unknown frame kind %#x", frame[0]))
	}
}

func (r *receiver) malformed(err error) {
	r.report(domain.EventTransferFailed, nil, &domain.TransferError{Err: domain.ErrTransferAborted, Details: err.Error()}, nil)
}

func (r *receiver) open(body []byte) {
	meta, err := decodeMetadata(body)
	if err != nil {
		r.malformed(err)
		return
	}
	if r.session != nil {
		r.abort(fmt.Errorf("superseded by transfer %s", meta.FileID))
	}
	if err := meta.Validate(r.maxSize); err != nil {
		rejected := domain.NewTransferSession(meta, domain.Inbound, 0)
		abortErr := rejected.Abort(fmt.Errorf("rejected: %w", err))
		r.report(domain.EventTransferFailed, rejected.Progress(), abortErr, nil)
		return
	}

	r.session = domain.NewTransferSession(meta, domain.Inbound, 0)
	r.buf.Reset()
	r.buf.Grow(int(min(meta.Size, initialBuffer)))
	r.report(domain.EventTransferStarted, r.session.Progress(), nil, nil)
	if meta.Size == 0 {
		r.finish()
	}
}

func (r *receiver) chunk(data []byte) {
	if r.session == nil {
		// Chunks of a rejected or already failed transfer.
		return
	}
	if err := r.session.Advance(len(data)); err != nil {
		r.session.Status = domain.TransferAborted
		r.report(domain.EventTransferFailed, r.session.Progress(), err, nil)
		r.reset()
		return
	}
	r.buf.Write(data)
	r.report(domain.EventTransferProgress, r.session.Progress(), nil, nil)
	if r.session.Done() {
		r.finish()
	}
}

func (r *receiver) remoteAbort(body []byte) {
	id, reason, err := decodeAbort(body)
	if err != nil {
		r.malformed(err)
		return
	}
	if r.session == nil || r.session.Meta.FileID != id {
		return
	}
	r.abort(fmt.Errorf("sender aborted: %s", reason))
}

func (r *receiver) finish() {
	data := bytes.Clone(r.buf.Bytes())
	if data == nil {
		data = []byte{}
	}
	r.report(domain.EventTransferComplete, r.session.Progress(), nil, data)
	r.reset()
}

// abort drops a partially received transfer.
func (r *receiver) abort(cause error) {
	if r.session == nil {
		return
	}
	err := r.session.Abort(cause)
	r.report(domain.EventTransferFailed, r.session.Progress(), err, nil)
	r.reset()
}

func (r *receiver) reset() {
	r.session = nil
	r.buf.Reset()
}
