package mqtt

import "context"

// Publisher is a single Client or a Pool
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler func([]byte)) error
	Close() error
}

var (
	_ Publisher = (*Client)(nil)
	_ Publisher = (*Pool)(nil)
)
