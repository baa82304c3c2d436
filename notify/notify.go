package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jt05610/wavedaq/daq"
)

type Connection struct {
	*amqp.Connection
	*amqp.Channel
}

func (c *Connection) Close() error {
	var err error
	if c.Channel != nil {
		err = multierr.Append(err, c.Channel.Close())
	}
	return multierr.Append(err, c.Connection.Close())
}

func Dial(uri string) (*Connection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	return &Connection{conn, ch}, nil
}

// AcquisitionEvent is published when one acquisition completes, so the rest
// of the lab stack can pick up the export.
type AcquisitionEvent struct {
	File           string  `json:"file"`
	Samples        int     `json:"samples"`
	SamplePeriodMS float64 `json:"sample_period_ms"`
	PkPk           float64 `json:"pkpk"`
	Offset         float64 `json:"offset"`
	SymmetryP      float64 `json:"symmetry_p"`
	PeriodS        float64 `json:"period_s"`
}

func NewAcquisitionEvent(a *daq.Acquisition, file string) *AcquisitionEvent {
	return &AcquisitionEvent{
		File:           file,
		Samples:        a.Len(),
		SamplePeriodMS: a.SamplePeriodMS,
		PkPk:           a.Settings.PkPk,
		Offset:         a.Settings.Offset,
		SymmetryP:      a.Settings.SymmetryP,
		PeriodS:        a.Settings.Period.Seconds(),
	}
}

// Publisher announces acquisition lifecycle events on a topic exchange.
type Publisher struct {
	ch       *amqp.Channel
	exchange string
	deviceID string
	logger   *zap.Logger
}

func NewPublisher(conn *Connection, exchange, deviceID string, logger *zap.Logger) (*Publisher, error) {
	err := conn.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: conn.Channel, exchange: exchange, deviceID: deviceID, logger: logger}, nil
}

func routingKey(deviceID, event string) string {
	return deviceID + ".events." + event
}

// AcquisitionComplete publishes the event for one finished acquisition.
func (p *Publisher) AcquisitionComplete(ctx context.Context, a *daq.Acquisition, file string) error {
	event := NewAcquisitionEvent(a, file)
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := routingKey(p.deviceID, "acquisition_complete")
	p.logger.Info("publishing event", zap.String("routing_key", key), zap.Int("samples", event.Samples))
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			"x-event-name": "acquisition_complete",
			"x-event-id":   uuid.NewString(),
		},
	})
}
