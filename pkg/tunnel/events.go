// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tunnel

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/bslocal/pkg/process"
)

const subscriberBuffer = 16

// ExitEvent reports that a launched tunnel process exited.
type ExitEvent struct {
	Identifier string    `json:"identifier"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	At         time.Time `json:"at"`
}

// Subscribe returns a channel of exit events and a func that cancels the
// subscription.
//
// # Description
//
// Delivery is best effort: an event is dropped for a subscriber whose
// buffer is full. The channel is closed by cancel or by Close, whichever
// comes first. Subscribing after Close returns a closed channel.
//
// # Thread Safety
//
// Safe for concurrent use. cancel may be called more than once.
func (s *Supervisor) Subscribe() (<-chan ExitEvent, func()) {
	ch := make(chan ExitEvent, subscriberBuffer)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// monitor posts an ExitEvent when proc exits. It gives up once the
// supervisor has shut down.
func (s *Supervisor) monitor(identifier string, proc *process.Process) {
	s.monitors.Add(1)
	go func() {
		defer s.monitors.Done()
		select {
		case <-proc.Done():
		case <-s.quit:
			return
		}
		ev := ExitEvent{
			Identifier: identifier,
			PID:        proc.PID(),
			ExitCode:   proc.ExitCode(),
			At:         time.Now(),
		}
		select {
		case s.events <- ev:
		case <-s.quit:
		}
	}()
}

// dispatch handles exit events until the events channel is closed.
func (s *Supervisor) dispatch() {
	defer close(s.dispatcherDone)
	for ev := range s.events {
		s.logger.Info("tunnel exited",
			slog.String("identifier", ev.Identifier),
			slog.Int("pid", ev.PID),
			slog.Int("exit_code", ev.ExitCode))
		s.metrics.observeExit()
		s.publish(ev)
	}
}

func (s *Supervisor) publish(ev ExitEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("exit event dropped for slow subscriber",
				slog.String("identifier", ev.Identifier))
		}
	}
}

func (s *Supervisor) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subs = nil
}
