// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/goccy/go-json"
	"github.com/streadway/amqp"

	"github.com/tarancss/defigw/lib/msg"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{"uri": conn.LocalAddr().String()}).Info("Connected to message broker")

	return &Amqp{conn: conn}, nil
}

// Setup declares the topic exchange "ee" ("events") where transaction events are published.
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(msg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			logger.WithFields(logger.Fields{"error": err}).Warn("Error closing amqp channel")
		}

		r.ch = nil
	}

	return r.conn.Close()
}

// channel returns the reusable channel, obtaining it if not present.
func (r *Amqp) channel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil {
		ch, err := r.conn.Channel()
		if err != nil {
			return nil, err
		}

		r.ch = ch
	}

	return r.ch, nil
}

// SendEvent publishes a transaction event to the "ee" exchange.
func (r *Amqp) SendEvent(net string, e msg.TxEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ch, err := r.channel()
	if err != nil {
		return err
	}

	p := amqp.Publishing{
		Headers:     amqp.Table{"x-trans-name": net + "." + e.Hash},
		Body:        body,
		ContentType: "application/json",
	}

	if err = ch.Publish(msg.Exchange, e.RoutingKey(net), false, false, p); err != nil {
		logger.WithFields(logger.Fields{"net": net, "tx_hash": e.Hash, "error": err}).
			Error("Error sending transaction event to message broker")
	}

	return err
}

// GetEvents consumes events from the "ee" exchange pushing them to the returned channel. The Mutex pointer is
// provided to ensure the consumed message has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetEvents(net string, mut *sync.Mutex) (<-chan msg.TxEvent, <-chan error, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, nil, err
	}

	queue := msg.Exchange + net
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}

	if err = ch.QueueBind(queue, net+".*.*", msg.Exchange, false, nil); err != nil {
		return nil, nil, err
	}

	msgs, err := ch.Consume(queue, "defigw-"+net, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}

	eves := make(chan msg.TxEvent)
	errs := make(chan error)

	go func() {
		defer close(eves)
		defer close(errs)

		for m := range msgs {
			var e msg.TxEvent
			if err := json.Unmarshal(m.Body, &e); err != nil {
				errs <- err

				_ = m.Nack(false, false)

				continue
			}

			eves <- e

			mut.Lock() // wait for the reader to finish processing the event
			_ = m.Ack(false)
		}
	}()

	return eves, errs, nil
}
