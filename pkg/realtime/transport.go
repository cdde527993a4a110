package realtime

import "context"

// Stream is an open push transport. Recv blocks until the next message
// payload arrives or the stream fails; Close unblocks it.
type Stream interface {
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens push transports. ctx stays live for as long as the returned
// Stream is in use and is cancelled when the channel drops it.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Stream, error)

func (f DialFunc) Dial(ctx context.Context) (Stream, error) {
	return f(ctx)
}
