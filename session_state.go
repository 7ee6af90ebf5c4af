package intercom

import (
	"log/slog"

	"github.com/hausnet/intercom-go/proto"
)

// transition is the single place session state changes. Entering Streaming
// acquires an engine capture reference and attaches the outbound frame
// subscriber; leaving Streaming releases both and clears all buffered audio
// so the next call never hears the tail of this one.
func (s *Session) transition(to State, reason Reason) {
	s.transitionEvent(to, reason, proto.ErrCodeOK)
}

func (s *Session) transitionEvent(to State, reason Reason, code proto.ErrorCode) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to

	if s.ringTimer != nil && to != StateRinging && to != StateConnecting {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}

	if to == StateStreaming {
		s.streaming.Store(true)
		s.eng.StartCapture()
		s.cancelSub = s.eng.SubscribeProcessed(s.onProcessedFrame)
	}
	if from == StateStreaming {
		s.streaming.Store(false)
		if s.cancelSub != nil {
			s.cancelSub()
			s.cancelSub = nil
		}
		s.eng.StopCapture()
		s.eng.ResetStreams()
		s.drainTx()
	}
	peer := s.peer
	if to == StateIdle {
		s.initiator = false
		s.noRingCall = false
	}
	s.mu.Unlock()

	s.logger.Info("state change",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", string(reason)),
	)
	s.emit(Event{State: to, Reason: reason, Peer: peer, Code: code})
}

func (s *Session) drainTx() {
	for {
		select {
		case <-s.txFrames:
		default:
			return
		}
	}
}

// emit publishes an event without ever blocking the protocol loops.
func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
	}
	if s.opts.onEvent != nil {
		s.opts.onEvent(evt)
	}
}
