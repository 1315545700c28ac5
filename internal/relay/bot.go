package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/echotools/uospy/internal/protocol"
	"go.uber.org/zap"
)

const (
	botQueue = 128
	// maxMessage is Discord's message length limit.
	maxMessage = 2000
)

type channelSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot posts packets to a Discord channel at a bounded rate. Packets that
// arrive while the queue is full are dropped.
type Bot struct {
	logger  *zap.Logger
	sender  channelSender
	channel string
	encoder *Encoder

	queue chan string
	done  chan struct{}
}

// NewBot opens a Discord session and starts the send loop, which runs until
// ctx is cancelled.
func NewBot(ctx context.Context, logger *zap.Logger, token, channel string, encoder *Encoder, rateLimit int) (*Bot, error) {
	if token == "" || channel == "" {
		return nil, errors.New("discord bot needs a token and a channel")
	}
	// Create a new Discord session using the provided bot token.
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.AddHandler(func(s *discordgo.Session, m *discordgo.Ready) {
		logger.Info("Bot is operational", zap.String("username", m.User.String()))
	})
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("open discord connection: %w", err)
	}

	b := newBot(ctx, logger, dg, channel, encoder, rateLimit)
	go func() {
		<-b.done
		dg.Close()
	}()
	return b, nil
}

func newBot(ctx context.Context, logger *zap.Logger, sender channelSender, channel string, encoder *Encoder, rateLimit int) *Bot {
	if rateLimit <= 0 {
		rateLimit = 1
	}
	b := &Bot{
		logger:  logger,
		sender:  sender,
		channel: channel,
		encoder: encoder,
		queue:   make(chan string, botQueue),
		done:    make(chan struct{}),
	}
	go b.run(ctx, time.Second/time.Duration(rateLimit))
	return b
}

func (b *Bot) run(ctx context.Context, interval time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// Rate limit to one message per tick
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case msg := <-b.queue:
				if _, err := b.sender.ChannelMessageSend(b.channel, msg); err != nil {
					b.logger.Warn("Error sending message to Discord", zap.Error(err))
				}
			default:
			}
		}
	}
}

// Done is closed when the send loop has exited.
func (b *Bot) Done() <-chan struct{} {
	return b.done
}

func (b *Bot) Publish(v *protocol.PacketValue) {
	data, err := b.encoder.Marshal(v)
	if err != nil {
		b.logger.Error("Error marshalling packet", zap.Error(err))
		return
	}
	select {
	case b.queue <- fence(b.encoder.Format(), string(data)):
	default:
		b.logger.Debug("Discord queue full, dropping packet", zap.String("name", v.Name))
	}
}

// fence wraps body in a code block that fits in one message.
func fence(lang, body string) string {
	const suffix = "\n...\n```"
	prefix := "```" + lang + "\n"
	msg := prefix + body + "\n```"
	if len(msg) <= maxMessage {
		return msg
	}
	return prefix + body[:maxMessage-len(prefix)-len(suffix)] + suffix
}
