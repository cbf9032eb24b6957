package swcache

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectTimeout = 10 * time.Second

// mqttPushSource turns messages on an MQTT topic into push events.
type mqttPushSource struct {
	client mqtt.Client
	topic  string
}

func newMQTTPushSource(cfg MQTTConfig, svc *Service) (*mqttPushSource, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "swcache-" + newClientID()[:8]
	}
	src := &mqttPushSource{topic: cfg.Topic}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			// Subscriptions do not survive a reconnect with a clean session.
			tok := c.Subscribe(cfg.Topic, 1, src.onMessage(svc))
			if tok.WaitTimeout(mqttConnectTimeout) && tok.Error() != nil {
				log.Printf("push: mqtt subscribe %s: %v", cfg.Topic, tok.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("push: mqtt connection lost: %v", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	src.client = mqtt.NewClient(opts)
	tok := src.client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	log.Printf("push: mqtt subscribed broker=%s topic=%s", cfg.Broker, cfg.Topic)
	return src, nil
}

func (p *mqttPushSource) onMessage(svc pushHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := svc.HandlePush(ctx, m.Payload())
		if err != nil {
			log.Printf("push: mqtt topic=%s: %v", m.Topic(), err)
			return
		}
		log.Printf("push: mqtt topic=%s delivered title=%q", m.Topic(), n.Title)
	}
}

func (p *mqttPushSource) Close() {
	p.client.Unsubscribe(p.topic).WaitTimeout(time.Second)
	p.client.Disconnect(250)
}

type pushHandler interface {
	HandlePush(ctx context.Context, raw []byte) (Notification, error)
}
