// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
)

// Broker is the message bus the bridge publishes to
type Broker interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// MQTTOptions configures the broker connection
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// PahoBroker is a Broker backed by an MQTT connection. Subscriptions are
// restored after every reconnect.
type PahoBroker struct {
	client  mqtt.Client
	timeout time.Duration
	log     logrus.FieldLogger

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

// DialMQTT connects to the broker. A broker that is down at startup is
// retried in the background.
func DialMQTT(o MQTTOptions, log logrus.FieldLogger) (*PahoBroker, error) {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	p := &PahoBroker{
		timeout: o.Timeout,
		log:     logutil.OrDiscard(log).WithField("component", "mqtt"),
		subs:    make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.WithError(err).Warn("Lost connection to MQTT broker")
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(o.Timeout) {
		p.log.WithField("broker", o.Broker).Warn("MQTT broker not reachable yet, retrying in background")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.Broker, err)
	}
	return p, nil
}

func (p *PahoBroker) onConnect(c mqtt.Client) {
	p.log.Info("Connected to MQTT broker")
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, h := range p.subs {
		c.Subscribe(topic, 0, h)
	}
}

// Publish sends payload with QoS 0
func (p *PahoBroker) Publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Subscribe registers handler for topic, which may contain wildcards
func (p *PahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	h := func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	}
	p.mu.Lock()
	p.subs[topic] = h
	p.mu.Unlock()

	if !p.client.IsConnectionOpen() {
		return nil
	}
	token := p.client.Subscribe(topic, 0, h)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

// Close disconnects from the broker
func (p *PahoBroker) Close() {
	p.client.Disconnect(250)
}
