package provider

import (
	"context"
	"io"
	"sync"
)

type streamItem struct {
	result Result
	err    error
}

// chanStream adapts a producer goroutine that closes items when done. Close
// cancels the producer and drains what it still sends.
type chanStream struct {
	items  chan streamItem
	cancel context.CancelFunc
	once   sync.Once
}

func newChanStream(items chan streamItem, cancel context.CancelFunc) *chanStream {
	return &chanStream{items: items, cancel: cancel}
}

func (s *chanStream) Recv() (Result, error) {
	item, ok := <-s.items
	if !ok {
		return Result{}, io.EOF
	}
	return item.result, item.err
}

func (s *chanStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.items {
		}
	})
	return nil
}
