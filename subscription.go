package morag

import (
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"

	"github.com/mistifyio/morag/pkg/kv"
	"github.com/pborman/uuid"
)

var (
	// SubscriptionPath is the path in the config store
	SubscriptionPath = "morag/subscriptions/"
)

type (
	// Subscription is an externally registered HTTP endpoint that receives
	// filtered, signed event notifications. An absent filter matches all.
	Subscription struct {
		context       *Context
		modifiedIndex uint64
		ID            string   `json:"id"`
		Destination   string   `json:"destination"`
		EventTypes    []string `json:"event_types,omitempty"`
		SystemIDs     []string `json:"system_ids,omitempty"`
		Secret        string   `json:"secret,omitempty"`
	}

	// Subscriptions is an alias to a slice of *Subscription
	Subscriptions []*Subscription
)

// NewSubscription creates a new Subscription for the destination URL
func (c *Context) NewSubscription(destination string) *Subscription {
	return &Subscription{
		context:     c,
		ID:          uuid.New(),
		Destination: destination,
	}
}

// Subscription fetches a single Subscription from the config store
func (c *Context) Subscription(id string) (*Subscription, error) {
	s := &Subscription{
		context: c,
		ID:      id,
	}

	if err := s.Refresh(); err != nil {
		return nil, err
	}

	return s, nil
}

// ForEachSubscription will run f on each Subscription. It will stop iteration
// if f returns an error.
func (c *Context) ForEachSubscription(f func(*Subscription) error) error {
	values, err := c.kv.GetAll(SubscriptionPath)
	if err != nil {
		return err
	}
	for _, value := range values {
		s := &Subscription{context: c}
		if err := json.Unmarshal(value.Data, s); err != nil {
			return err
		}
		s.modifiedIndex = value.Index

		if err := f(s); err != nil {
			return err
		}
	}
	return nil
}

// key is a helper to generate the config store key
func (s *Subscription) key() string {
	return filepath.Join(SubscriptionPath, s.ID)
}

// Refresh reloads the Subscription from the data store
func (s *Subscription) Refresh() error {
	value, err := s.context.kv.Get(s.key())
	if err != nil {
		return err
	}

	if err := json.Unmarshal(value.Data, s); err != nil {
		return err
	}
	s.modifiedIndex = value.Index
	return nil
}

// Validate ensures the Subscription has reasonable data
func (s *Subscription) Validate() error {
	if s.ID == "" {
		return errors.New("ID is required")
	}
	if s.Destination == "" {
		return errors.New("Destination is required")
	}
	u, err := url.Parse(s.Destination)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("Destination must be a valid URL")
	}
	return nil
}

// Save persists the Subscription to the data store
func (s *Subscription) Save() error {
	if err := s.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(s)
	if err != nil {
		return err
	}

	index, err := s.context.kv.Update(s.key(), kv.Value{Data: v, Index: s.modifiedIndex})
	if err != nil {
		return err
	}
	s.modifiedIndex = index
	return nil
}

// Delete removes the Subscription from the data store
func (s *Subscription) Delete() error {
	return s.context.kv.Delete(s.key(), false)
}

// Matches reports whether the subscription's filters accept the event. The
// system id filter compares against the event payload's systemId.
func (s *Subscription) Matches(e Event) bool {
	if len(s.EventTypes) > 0 {
		found := false
		for _, t := range s.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(s.SystemIDs) > 0 {
		systemID, _ := e.Payload["systemId"].(string)
		found := false
		for _, id := range s.SystemIDs {
			if id == systemID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
