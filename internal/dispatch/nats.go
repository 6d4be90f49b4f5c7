package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSDispatcher publishes frames to NATS for out-of-process renderers.
// Frames go to <subject>.<kind>, e.g. avatar.frames.viseme.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// ConnectNATS connects to the given servers and returns a dispatcher
// publishing under subject
func ConnectNATS(url, subject string, logger zerolog.Logger) (*NATSDispatcher, error) {
	if url == "" {
		return nil, errors.New("no NATS servers configured")
	}
	if subject == "" {
		return nil, errors.New("no NATS subject configured")
	}

	conn, err := nats.Connect(url,
		nats.Name("avatar-speech"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info().Str("servers", url).Str("subject", subject).Msg("Connected to NATS")

	return &NATSDispatcher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Subject returns the subject a frame of the given kind is published to
func (d *NATSDispatcher) Subject(kind Kind) string {
	return d.subject + "." + string(kind)
}

// Dispatch publishes frame as JSON
func (d *NATSDispatcher) Dispatch(ctx context.Context, frame *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := d.conn.Publish(d.Subject(frame.Kind), data); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Healthy reports whether the NATS connection is up
func (d *NATSDispatcher) Healthy(ctx context.Context) (bool, error) {
	if d == nil || d.conn == nil {
		return false, errors.New("nats not connected")
	}
	if status := d.conn.Status(); status != nats.CONNECTED {
		return false, fmt.Errorf("nats connection %s", status)
	}
	return true, nil
}

// Close flushes pending frames and closes the connection
func (d *NATSDispatcher) Close() {
	if d == nil || d.conn == nil {
		return
	}
	d.logger.Info().Msg("Closing NATS connection")
	d.conn.Drain()
	d.conn.Close()
}
