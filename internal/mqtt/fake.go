package mqtt

import "sync"

// Message is a message recorded by FakeClient.
type Message struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// FakeClient records published messages and lets tests deliver messages to
// subscriptions.
type FakeClient struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string]MessageHandler
	closed   bool

	// PublishError, if set, is returned by Publish.
	PublishError error
	// SubscribeError, if set, is returned by Subscribe.
	SubscribeError error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{subs: make(map[string]MessageHandler)}
}

func (f *FakeClient) Publish(topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishError != nil {
		return f.PublishError
	}
	f.messages = append(f.messages, Message{Topic: topic, Retained: retained, Payload: payload})
	return nil
}

func (f *FakeClient) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubscribeError != nil {
		return f.SubscribeError
	}
	f.subs[topic] = handler
	return nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// Deliver calls the handler subscribed to topic. It reports whether one was.
func (f *FakeClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	handler, ok := f.subs[topic]
	f.mu.Unlock()

	if ok {
		handler(topic, payload)
	}
	return ok
}

// Messages returns every message published so far.
func (f *FakeClient) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Message(nil), f.messages...)
}

// Last returns the last message published to topic.
func (f *FakeClient) Last(topic string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Topic == topic {
			return f.messages[i], true
		}
	}
	return Message{}, false
}

func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}
