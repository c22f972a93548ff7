// Package mqtttest provides an in-process stand-in for a paho client.
package mqtttest

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is an already completed mqtt.Token.
type Token struct {
	err  error
	done chan struct{}
}

// NewToken returns a completed token carrying err.
func NewToken(err error) *Token {
	done := make(chan struct{})
	close(done)
	return &Token{err: err, done: done}
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Done() <-chan struct{}          { return t.done }
func (t *Token) Error() error                   { return t.err }

// Message implements mqtt.Message.
type Message struct {
	TopicName string
	Body      []byte
	QoS       byte
}

func (m Message) Duplicate() bool   { return false }
func (m Message) Qos() byte         { return m.QoS }
func (m Message) Retained() bool    { return false }
func (m Message) Topic() string     { return m.TopicName }
func (m Message) MessageID() uint16 { return 0 }
func (m Message) Payload() []byte   { return m.Body }
func (m Message) Ack()              {}

// Published is one recorded Publish call.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client records publishes and routes Deliver calls to subscription
// handlers. Connect runs the options' OnConnect handler like paho does.
type Client struct {
	Opts       *mqtt.ClientOptions
	ConnectErr error
	PublishErr error

	mu           sync.Mutex
	connected    bool
	disconnects  int
	published    []Published
	subs         map[string]mqtt.MessageHandler
	onPublishFns []func(Published)
}

// NewClient returns a disconnected client.
func NewClient(opts *mqtt.ClientOptions) *Client {
	return &Client{Opts: opts, subs: make(map[string]mqtt.MessageHandler)}
}

// Factory returns a factory that always hands out c, recording the options.
func (c *Client) Factory() func(*mqtt.ClientOptions) mqtt.Client {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		c.mu.Lock()
		c.Opts = opts
		c.mu.Unlock()
		return c
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	if c.ConnectErr != nil {
		return NewToken(c.ConnectErr)
	}
	c.mu.Lock()
	c.connected = true
	opts := c.Opts
	c.mu.Unlock()
	if opts != nil && opts.OnConnect != nil {
		opts.OnConnect(c)
	}
	return NewToken(nil)
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
}

// Disconnects counts Disconnect calls.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	if c.PublishErr != nil {
		return NewToken(c.PublishErr)
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	msg := Published{Topic: topic, QoS: qos, Payload: body}
	c.mu.Lock()
	c.published = append(c.published, msg)
	hooks := append([]func(Published){}, c.onPublishFns...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(msg)
	}
	return NewToken(nil)
}

// OnPublish registers a hook called after every successful Publish.
func (c *Client) OnPublish(fn func(Published)) {
	c.mu.Lock()
	c.onPublishFns = append(c.onPublishFns, fn)
	c.mu.Unlock()
}

// Published returns a copy of every recorded publish.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
	return NewToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	for f := range filters {
		c.subs[f] = callback
	}
	c.mu.Unlock()
	return NewToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return NewToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// Filters lists the active subscription filters.
func (c *Client) Filters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for f := range c.subs {
		out = append(out, f)
	}
	return out
}

// Deliver routes a message to every matching subscription synchronously and
// reports how many handlers ran.
func (c *Client) Deliver(topic string, payload []byte) int {
	c.mu.Lock()
	var handlers []mqtt.MessageHandler
	for f, h := range c.subs {
		if Match(f, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(c, Message{TopicName: topic, Body: payload})
	}
	return len(handlers)
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
