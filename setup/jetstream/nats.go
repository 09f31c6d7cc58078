// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/setup/config"
)

// NATSInstance owns the embedded NATS server, if one is used, and the
// connection to it.
type NATSInstance struct {
	*natsserver.Server
	sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

// Prepare connects to NATS and makes sure the streams exist. Without
// configured addresses an embedded server is started.
func (s *NATSInstance) Prepare(ctx context.Context, cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn, error) {
	s.Lock()
	defer s.Unlock()
	if s.js != nil {
		return s.js, s.nc, nil
	}
	if len(cfg.Addresses) == 0 && s.Server == nil {
		if err := s.startEmbedded(cfg); err != nil {
			return nil, nil, err
		}
		go func() {
			<-ctx.Done()
			s.Shutdown()
			s.WaitForShutdown()
		}()
	}

	var err error
	if s.Server != nil {
		s.nc, err = nats.Connect("", nats.InProcessServer(s.Server))
	} else {
		s.nc, err = nats.Connect(strings.Join(cfg.Addresses, ","))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("nats.Connect: %w", err)
	}
	if s.js, err = s.nc.JetStream(); err != nil {
		return nil, nil, fmt.Errorf("s.nc.JetStream: %w", err)
	}
	if err = setupStreams(s.js, cfg); err != nil {
		return nil, nil, err
	}
	return s.js, s.nc, nil
}

func (s *NATSInstance) startEmbedded(cfg *config.JetStream) error {
	opts := &natsserver.Options{
		ServerName:      "fedcore",
		DontListen:      true,
		JetStream:       true,
		StoreDir:        string(cfg.StoragePath),
		NoSystemAccount: true,
		MaxPayload:      16 * 1024 * 1024,
		NoSigs:          true,
		NoLog:           true,
	}
	if cfg.InMemory {
		opts.StoreDir = ""
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("natsserver.NewServer: %w", err)
	}
	srv.SetLogger(natsLogger{}, false, false)
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return errors.New("embedded NATS server did not start in time")
	}
	s.Server = srv
	return nil
}

func setupStreams(js nats.JetStreamContext, cfg *config.JetStream) error {
	for _, stream := range streams {
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("js.StreamInfo(%s): %w", name, err)
		}
		if info != nil {
			continue
		}
		// Stream configs are shared between instances, so copy before
		// changing the name and storage.
		streamCfg := *stream
		streamCfg.Name = name
		streamCfg.Subjects = []string{name}
		if cfg.InMemory {
			streamCfg.Storage = nats.MemoryStorage
		}
		if _, err = js.AddStream(&streamCfg); err != nil {
			sentry.CaptureException(err)
			return fmt.Errorf("js.AddStream(%s): %w", name, err)
		}
		logrus.WithField("stream", name).Info("Created JetStream stream")
	}
	return nil
}

type natsLogger struct{}

func (natsLogger) Noticef(format string, v ...interface{}) { logrus.Infof("NATS: "+format, v...) }
func (natsLogger) Warnf(format string, v ...interface{})   { logrus.Warnf("NATS: "+format, v...) }
func (natsLogger) Fatalf(format string, v ...interface{})  { logrus.Fatalf("NATS: "+format, v...) }
func (natsLogger) Errorf(format string, v ...interface{})  { logrus.Errorf("NATS: "+format, v...) }
func (natsLogger) Debugf(format string, v ...interface{})  { logrus.Debugf("NATS: "+format, v...) }
func (natsLogger) Tracef(format string, v ...interface{})  { logrus.Tracef("NATS: "+format, v...) }
