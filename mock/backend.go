package mock

import (
	"context"

	"github.com/dirwatch/dirwatch"
)

var _ dirwatch.Backend = (*Backend)(nil)

type Backend struct {
	StartFunc func(ctx context.Context, id, dir string) (dirwatch.Handle, error)
}

func (b *Backend) Start(ctx context.Context, id, dir string) (dirwatch.Handle, error) {
	return b.StartFunc(ctx, id, dir)
}

var _ dirwatch.Handle = (*Handle)(nil)

type Handle struct {
	MessagesFunc  func() <-chan dirwatch.RawMessage
	TerminateFunc func()
}

func (h *Handle) Messages() <-chan dirwatch.RawMessage {
	return h.MessagesFunc()
}

func (h *Handle) Terminate() {
	h.TerminateFunc()
}
