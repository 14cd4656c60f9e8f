package health

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thunderbird2009/clientchannel/status"
)

type fakeStream struct {
	mu        sync.Mutex
	responses []Response
	err       error
}

func (s *fakeStream) Send(service string) error { return nil }

func (s *fakeStream) Recv() (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		if s.err != nil {
			return Response{}, s.err
		}
		return Response{}, io.EOF
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func Test_Watch_ReportsServingTransitions(t *testing.T) {
	stream := &fakeStream{responses: []Response{{Serving: true}, {Serving: false}}}
	var reports []bool
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, "myservice", func() (Stream, error) { return stream, nil }, func(healthy bool) {
			mu.Lock()
			reports = append(reports, healthy)
			mu.Unlock()
			if len(reports) >= 2 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, reports)
}

func Test_Watch_UnimplementedReportsHealthyAndReturns(t *testing.T) {
	stream := &fakeStream{err: status.New(status.Unimplemented, "no health service")}
	var got []bool

	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(context.Background(), "myservice", func() (Stream, error) { return stream, nil }, func(healthy bool) {
			got = append(got, healthy)
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return on Unimplemented")
	}
	assert.Equal(t, []bool{true}, got)
}
