package protocol

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NbdServer serves Exports over the NBD fixed newstyle protocol.
type NbdServer struct {
	Exports map[string]*Export
	Logger  zerolog.Logger

	conns uint32
}

// Serve accepts connections on ln until ctx is done, then closes ln and every open connection and
// waits for them to wind down.
func (s *NbdServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accepting connection")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *NbdServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	log := s.Logger.With().
		Str("conn", uuid.New().String()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	log.Info().Msg("client connected")

	sc := &serverConnection{
		conn:    conn,
		exports: s.Exports,
		log:     log,
	}
	export, err := sc.negotiate()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, errAborted) {
			log.Debug().Err(err).Msg("negotiation ended")
		} else {
			log.Warn().Err(err).Msg("negotiation failed")
		}
		return
	}

	hwq := int(atomic.AddUint32(&s.conns, 1) - 1)
	log = log.With().Str("export", export.Name()).Int("hw_queue", hwq%export.Sequencer().Queues()).Logger()
	log.Info().Msg("transmission started")

	t := &transmission{
		conn:   conn,
		export: export,
		hwq:    hwq,
		log:    log,
	}
	if err := t.serve(); err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		log.Warn().Err(err).Msg("transmission ended")
		return
	}
	log.Info().Msg("client disconnected")
}
