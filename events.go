package morag

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	logx "github.com/mistifyio/mistify-logrus-ext"
	"github.com/pborman/uuid"
	log "github.com/Sirupsen/logrus"
)

// Event types published by the orchestration core
const (
	EventSystemCreated  = "system.created"
	EventSystemDeleted  = "system.deleted"
	EventSystemMigrated = "system.migrated"
	EventHostEvacuated  = "host.evacuated"
	EventTaskFailed     = "task.failed"
)

// SignatureHeader carries the HMAC of the webhook body
const SignatureHeader = "X-Morag-Signature"

// subscriberBuffer is how many undelivered events an in-process subscriber
// may lag before it is dropped from the fan-out list
const subscriberBuffer = 64

type (
	// Event is a lifecycle notification. It is transient and exists only
	// during fan-out.
	Event struct {
		ID      string                 `json:"id"`
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}

	// Subscriber is an in-process listener. Events arrive on C in publish
	// order until Unsubscribe, or until the subscriber stops consuming and
	// falls more than subscriberBuffer events behind.
	Subscriber struct {
		C   <-chan Event
		c   chan Event
		bus *Bus
	}

	// Bus publishes lifecycle notifications to in-process subscribers and,
	// independently, to matching persisted webhook subscriptions.
	Bus struct {
		context *Context
		client  *http.Client

		mutex       sync.Mutex
		subscribers []*Subscriber
		wg          sync.WaitGroup
	}
)

// NewBus creates a Bus reading webhook subscriptions through c
func NewBus(c *Context) *Bus {
	return &Bus{
		context: c,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Subscribe registers an in-process listener that receives all subsequently
// published events
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		c:   make(chan Event, subscriberBuffer),
		bus: b,
	}
	s.C = s.c

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subscribers = append(b.subscribers, s)
	return s
}

// Unsubscribe removes the subscriber from the fan-out list and closes its
// channel
func (s *Subscriber) Unsubscribe() {
	s.bus.remove(s)
}

func (b *Bus) remove(s *Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.removeLocked(s)
}

func (b *Bus) removeLocked(s *Subscriber) {
	for i, sub := range b.subscribers {
		if sub == s {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(s.c)
			return
		}
	}
}

// Publish creates an Event and delivers it to every current in-process
// subscriber in publish order, then fans it out to matching webhook
// subscriptions. Webhook delivery is asynchronous and best-effort.
func (b *Bus) Publish(eventType string, payload map[string]interface{}) Event {
	e := Event{
		ID:      uuid.New(),
		Type:    eventType,
		Payload: payload,
	}

	b.mutex.Lock()
	// Deliver under the mutex so per-subscriber ordering matches publish
	// order. A subscriber that stopped consuming is dropped rather than
	// stalling every other listener.
	for _, s := range append([]*Subscriber(nil), b.subscribers...) {
		select {
		case s.c <- e:
		default:
			log.WithField("event", e.ID).Warn("dropping stalled event subscriber")
			b.removeLocked(s)
		}
	}
	b.mutex.Unlock()

	b.dispatchWebhooks(e)

	return e
}

// Stop waits for outstanding webhook deliveries to finish. In-process
// subscribers are left open; their owners unsubscribe.
func (b *Bus) Stop() {
	b.wg.Wait()
}

func (b *Bus) dispatchWebhooks(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		log.WithFields(log.Fields{
			"event": e.ID,
			"error": err,
		}).Error("unable to marshal event")
		return
	}

	err = b.context.ForEachSubscription(func(s *Subscription) error {
		if !s.Matches(e) {
			return nil
		}
		b.wg.Add(1)
		go b.deliver(s.Destination, s.Secret, body, e)
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{
			"event": e.ID,
			"error": err,
		}).Error("unable to enumerate subscriptions")
	}
}

// deliver posts the exact JSON body with its HMAC-SHA256 signature. There is
// no retry or dead-letter; a failed delivery is logged and forgotten.
func (b *Bus) deliver(destination, secret string, body []byte, e Event) {
	defer b.wg.Done()

	req, err := http.NewRequest("POST", destination, bytes.NewReader(body))
	if err != nil {
		log.WithFields(log.Fields{
			"event":       e.ID,
			"destination": destination,
			"error":       err,
		}).Error("unable to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Signature(secret, body))

	resp, err := b.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{
			"event":       e.ID,
			"destination": destination,
			"error":       err,
		}).Error("webhook delivery failed")
		return
	}
	defer logx.LogReturnedErr(resp.Body.Close, log.Fields{
		"destination": destination,
	}, "unable to close webhook response")

	if resp.StatusCode >= 400 {
		log.WithFields(log.Fields{
			"event":       e.ID,
			"destination": destination,
			"status":      resp.StatusCode,
		}).Error("webhook delivery rejected")
	}
}

// Signature computes the webhook signature header value for a body:
// sha256=<hex(HMAC-SHA256(secret, body))>
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
