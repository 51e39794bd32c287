package broker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const (
	// ChangesExchange is the topic exchange carrying change notices
	ChangesExchange = "sync.changes"
	confirmTimeout  = 10 * time.Second
)

var ErrBrokerUnavailable = errors.New("broker connection is closed")

// RoutingKey is the topic a tenant's change notices are published on. The id is
// hex encoded so '.', '*' and '#' in it stay literal instead of acting as topic
// separators or wildcards.
func RoutingKey(tenantID string) string {
	return fmt.Sprintf("tenant.%s.changed", hex.EncodeToString([]byte(tenantID)))
}

func declareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		ChangesExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

// link is one connection plus channel watched for closure
type link struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	healthy    atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
}

func dial(url string, l *slog.Logger) (*link, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	lk := &link{
		conn:       c,
		channel:    ch,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		done:       make(chan struct{}),
	}
	lk.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	lk.conn.NotifyClose(lk.connClosed)
	lk.channel.NotifyClose(lk.chanClosed)

	go func() {
		select {
		case err := <-lk.connClosed:
			lk.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-lk.chanClosed:
			lk.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-lk.done:
		}
	}()
	return lk, nil
}

func (lk *link) close() {
	lk.closeOnce.Do(func() {
		close(lk.done)
		lk.healthy.Store(false)
		lk.channel.Close()
		lk.conn.Close()
	})
}

// Publisher sends change notices with publisher confirms, redialing lazily after the link drops
type Publisher struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	link *link
}

// NewPublisher connects to the broker. The link is re-established on the next
// publish whenever it is found closed.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{url: url, logger: logger}
	if _, err := p.current(); err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to RabbitMQ and monitors established", "exchange", ChangesExchange)
	return p, nil
}

func (p *Publisher) current() (*link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil && p.link.healthy.Load() {
		return p.link, nil
	}
	if p.link != nil {
		p.link.close()
		p.link = nil
		metrics.BrokerReconnections.Inc()
	}

	lk, err := dial(p.url, p.logger)
	if err != nil {
		metrics.BrokerHealthy.Set(0)
		return nil, err
	}
	if err := lk.channel.Confirm(false); err != nil {
		lk.close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}
	p.link = lk
	return lk, nil
}

// PublishChange announces a committed push and blocks until the broker confirms it
func (p *Publisher) PublishChange(ctx context.Context, notice models.ChangeNotice) error {
	lk, err := p.current()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to serialize notice: %w", err)
	}

	routingKey := RoutingKey(notice.TenantID)
	deferred, err := lk.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ChangesExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"device_id": notice.DeviceID,
			},
			ContentType: "application/json",
			// notices are hints; a lost one only delays the next pull
			DeliveryMode: amqp.Transient,
			Timestamp:    notice.ServerTimestamp,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("failed to publish change notice", "routing_key", routingKey, "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return errors.New("RabbitMQ NACK received: notice not routed")
		}
		return nil
	case <-time.After(confirmTimeout):
		return errors.New("publisher confirm timeout")
	}
}

// Close shuts down the current link
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		p.logger.Info("Terminating RabbitMQ publisher")
		p.link.close()
		p.link = nil
	}
	return nil
}
