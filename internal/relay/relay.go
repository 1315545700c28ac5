// Package relay forwards decoded packets to viewers: the console log, a
// websocket feed, and a Discord channel.
package relay

import (
	"io"

	"github.com/echotools/uospy/internal/protocol"
	"go.uber.org/zap"
)

// Sink receives decoded packets. Publish must not block the caller for long.
type Sink interface {
	Publish(v *protocol.PacketValue)
}

// Relay applies a filter and fans packets out to every sink in order.
type Relay struct {
	filter Filter
	sinks  []Sink
}

func New(filter Filter, sinks ...Sink) *Relay {
	return &Relay{filter: filter, sinks: sinks}
}

// Publish forwards v to the sinks if the filter allows it.
func (r *Relay) Publish(v *protocol.PacketValue) bool {
	if !r.filter.Allow(v) {
		return false
	}
	for _, s := range r.sinks {
		s.Publish(v)
	}
	return true
}

// LogSink writes each packet to a zap logger.
type LogSink struct {
	Logger *zap.Logger
	// Verbose adds the decoded properties to each entry.
	Verbose bool
}

func (s LogSink) Publish(v *protocol.PacketValue) {
	direction := "server"
	if v.FromClient {
		direction = "client"
	}
	fields := []zap.Field{
		zap.String("direction", direction),
		zap.String("id", v.IDPath),
		zap.String("name", v.Name),
		zap.Int("length", len(v.Raw)),
	}
	if v.Err != nil {
		s.Logger.Warn("Packet", append(fields, zap.Error(v.Err), zap.Binary("payload", v.Raw))...)
		return
	}
	if s.Verbose {
		fields = append(fields, zap.Any("packet", v))
	}
	s.Logger.Info("Packet", fields...)
}

// WriterSink writes each encoded packet to W. YAML documents are separated
// by "---".
type WriterSink struct {
	W       io.Writer
	Encoder *Encoder
	Logger  *zap.Logger
}

func (s WriterSink) Publish(v *protocol.PacketValue) {
	data, err := s.Encoder.Marshal(v)
	if err != nil {
		s.Logger.Error("Error marshalling packet", zap.Error(err))
		return
	}
	if s.Encoder.Format() == "yaml" {
		data = append([]byte("---\n"), data...)
	} else {
		data = append(data, '\n')
	}
	if _, err := s.W.Write(data); err != nil {
		s.Logger.Error("Error writing packet", zap.Error(err))
	}
}
