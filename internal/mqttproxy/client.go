package mqttproxy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ClientConfig carries the §6 mqtt.* configuration keys.
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// MessageHandler handles one message delivered on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

type topicHandler struct {
	substr  string
	handler MessageHandler
}

// Client wraps a paho mqtt.Client: every connect/disconnect/message
// callback is re-dispatched through a JobQueue instead of running on
// paho's own goroutine, and incoming messages are routed to the first
// subscribed handler whose topic substring matches, matching
// mqtt_client.cpp's dispatch rule.
type Client struct {
	mqttClient mqtt.Client
	queue      *JobQueue
	log        *logrus.Logger

	handlersMu sync.Mutex
	handlers   []topicHandler

	onConnect    func()
	onDisconnect func(error)
}

// NewClient builds (but does not connect) an MQTT client with QoS 0,
// clean-session semantics, a generated UUID client ID, and a 60s keepalive,
// grounded on mqtt_client.cpp's connect options.
func NewClient(cfg ClientConfig, queue *JobQueue, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{queue: queue, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(uuid.NewString())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true) // single in-flight message, matching the original's max_inflight_messages=1
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.queue.Submit(func() {
			if c.onConnect != nil {
				c.onConnect()
			}
		})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.queue.Submit(func() {
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		})
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		topic := msg.Topic()
		payload := append([]byte(nil), msg.Payload()...)
		c.queue.Submit(func() {
			c.dispatch(topic, payload)
		})
	})

	c.mqttClient = mqtt.NewClient(opts)
	return c
}

// OnConnect registers the handler fired after a successful (re)connect.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// OnDisconnect registers the handler fired when the connection is lost.
func (c *Client) OnDisconnect(fn func(error)) { c.onDisconnect = fn }

// Connect blocks until the initial connection succeeds or fails.
func (c *Client) Connect() error {
	token := c.mqttClient.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect gracefully closes the connection.
func (c *Client) Disconnect() {
	c.mqttClient.Disconnect(250)
}

// Publish sends payload at QoS 0, non-retained.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.mqttClient.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Subscribe subscribes to topic at QoS 0 and registers handler to receive
// any message whose topic contains substr, matching mqtt_client.cpp's
// substring dispatch (the first handler registered whose substring
// matches wins; handlers are otherwise independent of Subscribe's own
// topic filter, which may be broader).
func (c *Client) Subscribe(topic, substr string, handler MessageHandler) error {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, topicHandler{substr: substr, handler: handler})
	c.handlersMu.Unlock()

	token := c.mqttClient.Subscribe(topic, 0, nil)
	token.Wait()
	return token.Error()
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.handlersMu.Lock()
	handlers := append([]topicHandler(nil), c.handlers...)
	c.handlersMu.Unlock()

	for _, h := range handlers {
		if strings.Contains(topic, h.substr) {
			h.handler(topic, payload)
			return
		}
	}
	c.log.WithField("topic", topic).Debug("mqttproxy: no handler matched incoming topic")
}
