package notify

import (
	"log/slog"
	"strings"

	pubnub "github.com/pubnub/go"
)

const DefaultPubNubChannelPrefix = "queue-"

// PubNubSink publishes every event to a per-queue PubNub channel.
type PubNubSink struct {
	publish func(channel string, message any) error
	prefix  string
	logger  *slog.Logger
}

func NewPubNubSink(pn *pubnub.PubNub, prefix string, logger *slog.Logger) *PubNubSink {
	return newPubNubSink(func(channel string, message any) error {
		_, _, err := pn.Publish().
			Channel(channel).
			Message(message).
			Execute()
		return err
	}, prefix, logger)
}

func newPubNubSink(publish func(string, any) error, prefix string, logger *slog.Logger) *PubNubSink {
	if prefix == "" {
		prefix = DefaultPubNubChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubNubSink{publish: publish, prefix: prefix, logger: logger}
}

var channelReplacer = strings.NewReplacer(
	",", "_", ":", "_", "*", "_", "/", "_", "\\", "_", ".", "_", " ", "_",
)

// Channel names the PubNub channel of a queue. Characters PubNub reserves
// are replaced, so subscribers should rely on the event payload for the
// exact identity.
func (s *PubNubSink) Channel(evt Event) string {
	return s.prefix + channelReplacer.Replace(evt.Queue.EventID) + "-" + channelReplacer.Replace(evt.Queue.OrgID)
}

func (s *PubNubSink) Emit(evt Event) {
	msg := map[string]any{
		"type":      string(evt.Type),
		"event_id":  evt.Queue.EventID,
		"org_id":    evt.Queue.OrgID,
		"timestamp": evt.Timestamp.UnixMilli(),
	}
	for k, v := range evt.Payload {
		msg[k] = v
	}

	if err := s.publish(s.Channel(evt), msg); err != nil {
		s.logger.Warn("notify: pubnub publish failed", "type", evt.Type, "queue", evt.Queue.String(), "error", err)
	}
}
