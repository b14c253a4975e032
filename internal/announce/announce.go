// Copyright 2026 The RealmKeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package announce publishes successful claims so the chat platform can post
// them into the tenant's announcement channel.
package announce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// DefaultExchange is the topic exchange announcements are published to.
const DefaultExchange = "realmkeeper.announcements"

// Announcement describes one committed claim.
type Announcement struct {
	TenantID      string    `json:"tenant_id"`
	Target        string    `json:"target"`
	CallerID      string    `json:"caller_id"`
	EntitlementID string    `json:"entitlement_id"`
	Message       string    `json:"message"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// Announcer publishes announcements
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
	Close() error
}

// RoutingKey returns the routing key used for a tenant's announcements.
func RoutingKey(tenantID string) string {
	return "claims." + tenantID
}

// Encode renders a as an AMQP publishing.
func Encode(a Announcement) (amqp.Publishing, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode announcement: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    a.ClaimedAt,
		Type:         "claim.announcement",
		Body:         body,
	}, nil
}

// Nop discards announcements
type Nop struct{}

func (Nop) Announce(context.Context, Announcement) error { return nil }
func (Nop) Close() error                                 { return nil }

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Rabbit publishes announcements to a durable RabbitMQ topic exchange.
type Rabbit struct {
	url      string
	exchange string
	open     func() (channel, error)

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  channel
	chClosed chan *amqp.Error
}

// NewRabbit connects to url and declares the exchange.
func NewRabbit(url, exchange string) (*Rabbit, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	r := &Rabbit{url: url, exchange: exchange}
	r.open = r.dialChannel
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

// dialChannel opens a channel, dialling first when the connection is gone.
func (r *Rabbit) dialChannel() (channel, error) {
	if r.conn == nil || r.conn.IsClosed() {
		conn, err := amqp.Dial(r.url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		r.conn = conn
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(r.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", r.exchange, err)
	}
	return ch, nil
}

// reopen replaces the current channel. Called with mu held.
func (r *Rabbit) reopen() error {
	if r.channel != nil {
		_ = r.channel.Close()
		r.channel = nil
	}
	ch, err := r.open()
	if err != nil {
		return err
	}
	r.channel = ch
	r.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// channelClosed reports whether the broker closed the channel. The client
// closes NotifyClose listeners on shutdown.
func (r *Rabbit) channelClosed() bool {
	if r.channel == nil {
		return true
	}
	select {
	case <-r.chClosed:
		return true
	default:
		return false
	}
}

// Announce implements Announcer. A channel or connection closed by the
// broker is reopened, and a publish failing with amqp.ErrClosed is retried
// once on a fresh channel.
func (r *Rabbit) Announce(ctx context.Context, a Announcement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Encode(a)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channelClosed() {
		if err := r.reopen(); err != nil {
			return err
		}
	}
	err = r.channel.Publish(r.exchange, RoutingKey(a.TenantID), false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		if err := r.reopen(); err != nil {
			return err
		}
		err = r.channel.Publish(r.exchange, RoutingKey(a.TenantID), false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("publish announcement for tenant %s: %w", a.TenantID, err)
	}
	return nil
}

// Close cleans up connection and channel
func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		if err := r.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		r.channel = nil
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}
