package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// Trigger schedules an early sync cycle for a tenant
type Trigger interface {
	Trigger(tenantID string)
}

// ChangeListener binds a private queue to the change notices of this device's
// tenants and turns notices from other devices into sync triggers
type ChangeListener struct {
	link     *link
	trigger  Trigger
	deviceID string
	tenants  []string
	logger   *slog.Logger
}

func NewChangeListener(url, deviceID string, tenants []string, trigger Trigger, logger *slog.Logger) (*ChangeListener, error) {
	lk, err := dial(url, logger)
	if err != nil {
		return nil, err
	}

	if err := lk.channel.Qos(16, 0, false); err != nil {
		lk.close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &ChangeListener{
		link:     lk,
		trigger:  trigger,
		deviceID: deviceID,
		tenants:  tenants,
		logger:   logger.With("component", "change_listener"),
	}, nil
}

// Listen consumes notices until ctx is done or the link drops
func (c *ChangeListener) Listen(ctx context.Context) error {
	// server-named, exclusive and auto-deleted: notices only matter while the device is online
	q, err := c.link.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, tenantID := range c.tenants {
		if err := c.link.channel.QueueBind(q.Name, RoutingKey(tenantID), ChangesExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue for tenant %s: %w", tenantID, err)
		}
	}

	msgs, err := c.link.channel.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Change listener is online", "queue", q.Name, "tenants", len(c.tenants))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}

			tenantID, err := c.handle(d.Body)
			if err != nil {
				c.logger.Error("Dropping malformed change notice", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if tenantID != "" {
				c.trigger.Trigger(tenantID)
			}
			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to Ack change notice", "error", err)
			}
		}
	}
}

// handle returns the tenant to sync for a notice, or "" when the notice came from this device
func (c *ChangeListener) handle(body []byte) (string, error) {
	var n models.ChangeNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return "", fmt.Errorf("failed to unmarshal notice: %w", err)
	}
	if n.TenantID == "" {
		return "", errors.New("notice has no business_id")
	}
	if n.DeviceID != "" && n.DeviceID == c.deviceID {
		return "", nil
	}
	c.logger.Debug("Change notice received", "tenant_id", n.TenantID, "from_device", n.DeviceID, "count", n.Count)
	return n.TenantID, nil
}

// Close terminates the listener link
func (c *ChangeListener) Close() {
	c.logger.Info("Shutting down change listener")
	c.link.close()
}
