// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamConsumer pulls batches of messages from the subject and hands
// them to f until ctx is done. Messages are acknowledged when f returns
// true and redelivered later when it returns false.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	sub, err := js.PullSubscribe(subj, durable+"Pull", opts...)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("js.PullSubscribe: %w", err)
	}
	logger := logrus.WithFields(logrus.Fields{
		"subject": subj,
		"durable": durable,
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					logger.WithError(err).Warn("Failed to unsubscribe")
				}
				return
			default:
			}
			// NATS applies its own fetch deadline on top of ctx, so an
			// expired context only means stop when it is ours.
			msgs, err := sub.Fetch(batch, nats.Context(ctx))
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				if ctx.Err() != nil {
					return
				}
				continue
			case errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrConsumerLeadershipChanged):
				continue
			case errors.Is(err, nats.ErrConnectionClosed):
				return
			default:
				sentry.CaptureException(err)
				logger.WithError(err).Error("Failed to fetch messages")
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			for _, msg := range msgs {
				if err = msg.InProgress(nats.Context(ctx)); err != nil {
					logger.WithError(err).Warn("msg.InProgress failed")
				}
			}
			if f(ctx, msgs) {
				for _, msg := range msgs {
					if err = msg.AckSync(nats.Context(ctx)); err != nil {
						logger.WithError(err).Warn("msg.AckSync failed")
						sentry.CaptureException(err)
					}
				}
			} else {
				for _, msg := range msgs {
					if err = msg.Nak(nats.Context(ctx)); err != nil {
						logger.WithError(err).Warn("msg.Nak failed")
						sentry.CaptureException(err)
					}
				}
			}
		}
	}()
	return nil
}
