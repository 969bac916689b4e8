package mqtt

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken completes immediately with err unless hang is set
type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, hang bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if !hang {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakePaho records publishes and subscriptions of a paho client
type fakePaho struct {
	mqtt.Client

	mu            sync.Mutex
	published     []published
	subscribed    map[string]mqtt.MessageHandler
	publishErr    error
	publishHang   bool
	subscribeErr  error
	subscribeHang bool
	connected     bool
	disconnected  bool
}

func newFakePaho() *fakePaho {
	return &fakePaho{subscribed: make(map[string]mqtt.MessageHandler), connected: true}
}

func (f *fakePaho) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, qos, payload.([]byte)})
	return newToken(f.publishErr, f.publishHang)
}

func (f *fakePaho) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = callback
	return newToken(f.subscribeErr, f.subscribeHang)
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	f.connected = false
}

// deliver invokes the subscription callback of topic
func (f *fakePaho) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.subscribed[topic]
	f.mu.Unlock()
	if cb != nil {
		cb(f, fakeMessage{topic: topic, payload: payload})
	}
}

func (f *fakePaho) publishes() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakePublisher is an in-memory Publisher
type fakePublisher struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]func([]byte)
	publishErr error
	closed     bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]func([]byte))}
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, published{topic: topic, payload: payload})
	return p.publishErr
}

func (p *fakePublisher) Subscribe(topic string, handler func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) deliver(topic string, payload []byte) {
	p.mu.Lock()
	h := p.handlers[topic]
	p.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

var _ Publisher = (*fakePublisher)(nil)
