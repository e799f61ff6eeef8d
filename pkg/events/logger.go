package events

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// RegisterLogger logs every stage transition.
func RegisterLogger(bus *Bus) {
	bus.AddHandler("deployctl-event-log", TopicPipeline, func(msg *message.Message) error {
		env, err := Decode(msg)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed event")
			return nil
		}
		switch env.Type {
		case TypeStageStarted:
			var ev StageStarted
			if env.DecodePayload(&ev) == nil {
				log.Debug().Str("run_id", ev.RunID).Str("stage", string(ev.Stage)).Msg("stage started")
			}
		case TypeStageFinished:
			var ev StageFinished
			if env.DecodePayload(&ev) == nil {
				e := log.Info()
				if ev.Error != "" {
					e = log.Warn().Str("error", ev.Error)
				}
				e.Str("run_id", ev.RunID).Str("stage", string(ev.Stage)).Str("outcome", string(ev.Outcome)).
					Bool("gated", ev.Gated).Int64("duration_ms", ev.DurationMs).Msg("stage finished")
			}
		case TypeRunFinished:
			var ev RunFinished
			if env.DecodePayload(&ev) == nil {
				log.Info().Str("run_id", ev.RunID).Bool("ok", ev.Ok).Int64("duration_ms", ev.DurationMs).Msg("run finished")
			}
		}
		return nil
	})
}
