package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// publisher is the part of mqtt.Client used for notifications.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes notifications as JSON to <prefix>/<kind>. Stream status is
// retained so new subscribers see the current state.
type MQTT struct {
	prefix string
	client publisher
}

func NewMQTT(broker, clientID, prefix string) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Infof("Connected to MQTT broker %v", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warnf("MQTT connection lost, reconnecting: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		// ConnectRetry keeps trying in the background.
		log.Warnf("MQTT broker %v not reachable yet, continuing", broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection to %v failed: %w", broker, err)
	}
	return &MQTT{prefix: prefix, client: client}, nil
}

func (m *MQTT) topic(k Kind) string {
	return m.prefix + "/" + string(k)
}

// Notify implements NotifyListener.
func (m *MQTT) Notify(n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	var qos byte = 1
	retained := false
	if n.Kind == KindStream {
		qos, retained = 0, true
	}
	token := m.client.Publish(m.topic(n.Kind), qos, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return errors.New("mqtt publish timeout")
	}
	return token.Error()
}
