package morag_test

import (
	"crypto/hmac"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistifyio/morag"
	"github.com/mistifyio/morag/internal/tests/common"
	"github.com/stretchr/testify/suite"
)

type EventsTestSuite struct {
	common.Suite
}

func TestEventsTestSuite(t *testing.T) {
	suite.Run(t, new(EventsTestSuite))
}

func (s *EventsTestSuite) TestSubscribeOrder() {
	sub := s.Bus.Subscribe()
	defer sub.Unsubscribe()

	e1 := s.Bus.Publish(morag.EventSystemCreated, map[string]interface{}{"systemId": "vm0"})
	e2 := s.Bus.Publish(morag.EventSystemDeleted, map[string]interface{}{"systemId": "vm0"})

	got1 := <-sub.C
	got2 := <-sub.C
	s.Equal(e1.ID, got1.ID)
	s.Equal(e2.ID, got2.ID)
	s.Equal("vm0", got1.Payload["systemId"])
}

func (s *EventsTestSuite) TestUnsubscribe() {
	sub := s.Bus.Subscribe()
	sub.Unsubscribe()

	s.Bus.Publish(morag.EventSystemCreated, nil)

	_, open := <-sub.C
	s.False(open, "channel should be closed after unsubscribe")
}

func (s *EventsTestSuite) TestStalledSubscriberDropped() {
	sub := s.Bus.Subscribe()
	// never consumed; overflow the buffer
	for i := 0; i < 70; i++ {
		s.Bus.Publish(morag.EventSystemCreated, nil)
	}

	// a dropped subscriber's channel is closed once drained
	drained := false
	for !drained {
		select {
		case _, open := <-sub.C:
			if !open {
				drained = true
			}
		case <-time.After(time.Second):
			s.Fail("subscriber was not dropped")
			return
		}
	}
}

func (s *EventsTestSuite) TestWebhookDelivery() {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		bodies <- body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s.NewSubscription(server.URL, "hunter2", []string{morag.EventSystemCreated}, nil)

	published := s.Bus.Publish(morag.EventSystemCreated, map[string]interface{}{"systemId": "vm0"})
	s.Bus.Stop()

	select {
	case r := <-received:
		body := <-bodies
		s.Equal("application/json", r.Header.Get("Content-Type"))

		expected := morag.Signature("hunter2", body)
		s.True(hmac.Equal([]byte(expected), []byte(r.Header.Get(morag.SignatureHeader))),
			"signature should validate against the exact body")

		var e morag.Event
		s.Require().NoError(json.Unmarshal(body, &e))
		s.Equal(published.ID, e.ID)
		s.Equal(morag.EventSystemCreated, e.Type)
		s.Equal("vm0", e.Payload["systemId"])
	case <-time.After(5 * time.Second):
		s.Fail("webhook was not delivered")
	}
}

func (s *EventsTestSuite) TestWebhookFiltering() {
	hits := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e morag.Event
		body, _ := ioutil.ReadAll(r.Body)
		_ = json.Unmarshal(body, &e)
		hits <- e.Type
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s.NewSubscription(server.URL, "", []string{morag.EventSystemDeleted}, []string{"vm0"})

	s.Bus.Publish(morag.EventSystemCreated, map[string]interface{}{"systemId": "vm0"})
	s.Bus.Publish(morag.EventSystemDeleted, map[string]interface{}{"systemId": "vm1"})
	s.Bus.Publish(morag.EventSystemDeleted, map[string]interface{}{"systemId": "vm0"})
	s.Bus.Stop()

	select {
	case t := <-hits:
		s.Equal(morag.EventSystemDeleted, t)
	case <-time.After(5 * time.Second):
		s.Fail("matching webhook was not delivered")
	}

	select {
	case <-hits:
		s.Fail("filtered events should not be delivered")
	default:
	}
}
