package events

import (
	"fmt"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/config"
)

// NewTransport builds the transport selected by broker.driver.
func NewTransport(cfg *config.Config, logger Logger) (Transport, error) {
	switch cfg.Broker.Driver {
	case "amqp":
		return NewAMQPTransport(cfg.Broker.URL, cfg.Service.ID), nil
	case "mqtt":
		return NewMQTTTransport(cfg.MQTT, cfg.Broker.Exchange, logger), nil
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("events: unknown broker driver %q", cfg.Broker.Driver)
	}
}

// ConfigFrom maps the broker section onto a publisher Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Topology: Topology{
			Exchange: cfg.Broker.Exchange,
			Queue:    cfg.Broker.Queue,
			Bindings: cfg.Broker.Bindings,
		},
		Source:            cfg.Service.ID,
		ReconnectInterval: cfg.Broker.ReconnectDelay(),
		PublishTimeout:    cfg.Broker.PublishDeadline(),
	}
}
