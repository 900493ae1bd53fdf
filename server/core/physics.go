package core

import (
	"github.com/automoto/netsync/shared/messages"
	"github.com/automoto/netsync/shared/tick"
)

// queueInputs stores the inputs of one batch for the ticks they belong to.
// Inputs for ticks already simulated or too far ahead are dropped, as are
// inputs for entities the session does not control. A late input newer than
// any seen still becomes the command repeated on ticks without input. It
// returns how many arrived late and the newest input tick of the batch.
func (s *Server) queueInputs(sess *session, batch messages.InputBatch) (late int, newest tick.Tick) {
	for _, in := range batch.Inputs {
		if in.Entity != sess.entity {
			continue
		}
		newest = max(newest, in.Tick)
		switch {
		case in.Tick <= s.applied:
			late++
			if in.Tick > sess.lastTick {
				sess.last = in.Command
				sess.lastTick = in.Tick
			}
		case in.Tick > s.applied+tick.Tick(s.opts.InputWindow):
		default:
			sess.inputs[in.Tick] = in.Command
		}
	}
	return late, newest
}

// applyInputs steps every player avatar for now. A tick without an input
// repeats the last command the player sent.
func (s *Server) applyInputs(now tick.Tick) int {
	missing := 0
	for _, id := range s.order {
		sess := s.sessions[id]
		if !sess.joined {
			continue
		}
		cmd, ok := sess.inputs[now]
		if ok {
			sess.last = cmd
			sess.lastTick = now
		} else {
			cmd = sess.last
			missing++
		}
		for t := range sess.inputs {
			if t <= now {
				delete(sess.inputs, t)
			}
		}
		s.world.StepAvatar(sess.entity, now, cmd)
	}
	s.applied = now
	return missing
}
