package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// subjectPrefix namespaces relay traffic; one subject per job.
const subjectPrefix = "dispatch.events."

// wireFrame carries an envelope plus its delivery targets across the bus.
type wireFrame struct {
	Targets  []string        `json:"targets"`
	Envelope events.Envelope `json:"envelope"`
}

// NATSRelay moves event envelopes from the arbiter to the gateway hub over
// core NATS. Delivery is at-least-once by design; clients close gaps with a
// state re-fetch after reconnect, so no durable stream is needed.
type NATSRelay struct {
	nc *nats.Conn
}

// NewNATSRelay connects to the bus with infinite reconnects.
func NewNATSRelay(url string) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSRelay{nc: nc}, nil
}

// Publish sends one envelope for fan-out to targets.
func (r *NATSRelay) Publish(targets []uuid.UUID, env events.Envelope) error {
	frame := wireFrame{
		Targets:  make([]string, 0, len(targets)),
		Envelope: env,
	}
	for _, target := range targets {
		frame.Targets = append(frame.Targets, target.String())
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal relay frame: %w", err)
	}
	return r.nc.Publish(subjectPrefix+env.JobID, data)
}

// Subscribe hands every relayed frame to deliver. Frames that fail to parse
// are dropped with a log line; the re-fetch path covers any loss.
func (r *NATSRelay) Subscribe(deliver func(targets []uuid.UUID, env events.Envelope)) (*nats.Subscription, error) {
	return r.nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var frame wireFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("dropping malformed relay frame")
			return
		}

		targets := make([]uuid.UUID, 0, len(frame.Targets))
		for _, raw := range frame.Targets {
			target, err := uuid.Parse(raw)
			if err != nil {
				log.Debug().Str("target", raw).Msg("skipping unparseable relay target")
				continue
			}
			targets = append(targets, target)
		}

		log.Debug().
			Str("event_id", frame.Envelope.EventID).
			Str("event", string(frame.Envelope.Type)).
			Str("job_id", frame.Envelope.JobID).
			Int("targets", len(targets)).
			Msg("relaying event to gateway")

		deliver(targets, frame.Envelope)
	})
}

// Close drains and closes the bus connection.
func (r *NATSRelay) Close() {
	if r.nc != nil {
		r.nc.Close()
	}
}
