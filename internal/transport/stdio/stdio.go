// Copyright 2025 Google LLC
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

// Package stdio implements the line-delimited STDIO transport: one
// JSON-RPC message per line on stdin, one per line on stdout. A single
// implicit session is created at the first `initialize` call and reused
// for every subsequent line, since STDIO has exactly one client for the
// lifetime of the process.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/jfellow/mcpforge/internal/jsonrpc"
	"github.com/jfellow/mcpforge/internal/log"
	"github.com/jfellow/mcpforge/internal/protocol"
	"github.com/jfellow/mcpforge/internal/session"
)

// Session drives Dispatcher.Handle over one stdin/stdout pair.
type Session struct {
	dispatcher *protocol.Dispatcher
	logger     log.Logger
	reader     *bufio.Reader
	writer     io.Writer
	writeMu    sync.Mutex

	sessMu    sync.Mutex
	sess      *session.Session
	sessReady chan struct{}
}

// New builds a Session reading from in and writing responses to out.
func New(dispatcher *protocol.Dispatcher, logger log.Logger, in io.Reader, out io.Writer) *Session {
	return &Session{
		dispatcher: dispatcher,
		logger:     logger,
		reader:     bufio.NewReader(in),
		writer:     out,
		sessReady:  make(chan struct{}),
	}
}

// currentSession returns the session established by the first successful
// `initialize`, or nil before one exists. Safe to call concurrently with
// setSession: Run (the reader/dispatch loop) and drainOutboxWhenReady (the
// outbox-draining goroutine) both touch s.sess.
func (s *Session) currentSession() *session.Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sess
}

// setSession records the session established by `initialize` and wakes
// drainOutboxWhenReady, which is parked waiting on sessReady until this is
// called exactly once.
func (s *Session) setSession(sess *session.Session) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.sess != nil {
		return
	}
	s.sess = sess
	close(s.sessReady)
}

// Run reads lines from stdin until EOF or ctx is cancelled, dispatching
// each through the protocol handler and writing any response line to
// stdout. It also drains the dispatcher's outbox for the session once one
// has been established by `initialize`, interleaving server-initiated
// pushes with client-initiated responses on the same writer.
func (s *Session) Run(ctx context.Context) error {
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		s.drainOutboxWhenReady(ctx)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := s.readLine(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(line) == 0 {
			continue
		}

		sess := s.currentSession()
		if sess != nil && isResponseLine(line) {
			var base jsonrpc.BaseMessage
			if err := json.Unmarshal(line, &base); err == nil {
				_ = s.dispatcher.ResolveResponse(sess.ID, base)
				continue
			}
		}

		result, err := s.dispatcher.Handle(ctx, sess, line)
		if err != nil {
			s.logger.Error("stdio dispatch failed", "error", err)
			continue
		}
		if sess == nil {
			if resp, ok := result.(jsonrpc.Response); ok {
				s.adoptSession(resp)
			}
		}
		if result == nil {
			continue
		}
		if err := s.write(result); err != nil {
			return err
		}
	}
}

// isResponseLine reports whether line looks like a reply to a
// server-initiated request rather than a client request/notification: it
// has an id but no method.
func isResponseLine(line []byte) bool {
	var base jsonrpc.BaseMessage
	if err := json.Unmarshal(line, &base); err != nil {
		return false
	}
	return base.IsResponse()
}

func (s *Session) adoptSession(resp jsonrpc.Response) {
	m, ok := resp.Result.(map[string]any)
	if !ok {
		b, err := json.Marshal(resp.Result)
		if err != nil {
			return
		}
		var generic map[string]any
		if err := json.Unmarshal(b, &generic); err != nil {
			return
		}
		m = generic
	}
	sid, _ := m["sessionId"].(string)
	if sid == "" {
		return
	}
	sess, ok := s.dispatcher.Sessions().Get(sid)
	if ok {
		s.setSession(sess)
	}
}

// drainOutboxWhenReady waits for a session to be established, then
// forwards everything the dispatcher wants to push to the client as
// additional stdout lines.
func (s *Session) drainOutboxWhenReady(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.sessReady:
	}
	sess := s.currentSession()
	outbox := s.dispatcher.Outbox(sess.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbox:
			if !ok {
				return
			}
			_ = s.write(msg.Payload)
		}
	}
}

// readLine reads one newline-terminated line from stdin, respecting ctx
// cancellation: the blocking Read runs on its own goroutine so a cancelled
// context can still return promptly even mid-read.
func (s *Session) readLine(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := s.reader.ReadBytes('\n')
		done <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil && r.err != io.EOF {
			return nil, r.err
		}
		if r.err == io.EOF && len(r.line) == 0 {
			return nil, io.EOF
		}
		return trimNewline(r.line), nil
	}
}

func trimNewline(b []byte) []byte {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r') {
		n--
	}
	return b[:n]
}

// write serializes v as one JSON-RPC line. Guarded by writeMu since Run and
// drainOutboxWhenReady both write to s.writer from distinct goroutines and
// must not interleave a response line with a server-initiated push line.
func (s *Session) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = fmt.Fprintf(s.writer, "%s\n", b)
	return err
}
