package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/cordum/teamflow/core/infra/logging"
)

// NewChannelPubSub returns an in-process pub/sub that several ChannelBus
// instances can share, one per simulated peer.
func NewChannelPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NopLogger{},
	)
}

// ChannelBus carries frames through a watermill GoChannel. It is used for
// single-process deployments and tests.
type ChannelBus struct {
	pubsub *gochannel.GoChannel
	teams  []string

	mu      sync.Mutex
	handler func([]byte) bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewChannelBus attaches a peer subscribed to teams to pubsub.
func NewChannelBus(pubsub *gochannel.GoChannel, teams []string) *ChannelBus {
	return &ChannelBus{pubsub: pubsub, teams: append([]string(nil), teams...)}
}

func (b *ChannelBus) Broadcast(_ context.Context, teamID string, data []byte) error {
	if teamID == "" {
		return errEmptyTeam
	}
	if len(data) == 0 {
		return errEmptyFrame
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(SyncSubject(teamID), msg); err != nil {
		return fmt.Errorf("publish %s: %w", teamID, err)
	}
	return nil
}

// OnMessage installs handler and starts one consumer per team.
func (b *ChannelBus) OnMessage(handler func([]byte) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	for _, team := range b.teams {
		ch, err := b.pubsub.Subscribe(ctx, SyncSubject(team))
		if err != nil {
			logging.Error("bus", "channel subscribe failed", "team_id", team, "error", err)
			continue
		}
		b.wg.Add(1)
		go b.consume(ch)
	}
}

func (b *ChannelBus) consume(ch <-chan *message.Message) {
	defer b.wg.Done()
	for msg := range ch {
		b.mu.Lock()
		h := b.handler
		b.mu.Unlock()
		if h != nil {
			h(msg.Payload)
		}
		msg.Ack()
	}
}

// Close stops this peer's consumers. The shared pub/sub stays open.
func (b *ChannelBus) Close() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}
