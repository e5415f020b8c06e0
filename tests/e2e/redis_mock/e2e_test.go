/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache"
	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/cacheevents"
	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/snapshot"
)

// TestSessionMigration drives a session halfway through decoding, parks its
// snapshot in Redis, discards the session, restores it into a fresh one and
// verifies decoding continues as if nothing happened.
func (s *DecoderCacheSuite) TestSessionMigration() {
	const sessionID = "migrating-session"

	session := s.pool.GetOrCreate(s.ctx, sessionID)
	s.Require().NoError(session.Setup(s.ctx, sessionID, s.blankState(testCapacity), 0, false))

	// three calls of four tokens each: the window now holds tokens 5..12
	state := session.CachedState()
	var err error
	for call := 1; call <= 3; call++ {
		state, err = session.Update(s.ctx, s.appendTokens(state, testTokensPerCall, (call-1)*testTokensPerCall+1), testTokensPerCall)
		s.Require().NoError(err)
	}
	s.Equal([]float32{5, 6, 7, 8, 9, 10, 11, 12}, s.windowValues(state))
	s.Equal(12, session.TotalProcessedTokens())

	// park the session
	concrete, ok := session.(*decodercache.Session)
	s.Require().True(ok)
	snap, err := snapshot.Capture(concrete)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Save(s.ctx, snap))
	s.pool.Remove(s.ctx, sessionID)
	_, found := s.pool.Get(sessionID)
	s.False(found)

	// resurrect it elsewhere
	loaded, err := s.store.Load(s.ctx, sessionID)
	s.Require().NoError(err)

	restored := s.pool.GetOrCreate(s.ctx, sessionID)
	restoredSession, ok := restored.(*decodercache.Session)
	s.Require().True(ok)
	s.Require().NoError(snapshot.Restore(s.ctx, restoredSession, loaded))
	s.Equal(12, restored.TotalProcessedTokens())

	// decoding picks up where it left off
	state, err = restored.Update(s.ctx, s.appendTokens(restored.CachedState(), testTokensPerCall, 13), testTokensPerCall)
	s.Require().NoError(err)
	s.Equal([]float32{9, 10, 11, 12, 13, 14, 15, 16}, s.windowValues(state))
	s.Equal(16, restored.TotalProcessedTokens())
}

// TestLifecycleEventFlow verifies that a session's setup, evictions and
// close surface as ordered msgpack batches on the session's topic.
func (s *DecoderCacheSuite) TestLifecycleEventFlow() {
	const sessionID = "observed-session"

	session := s.pool.GetOrCreate(s.ctx, sessionID)
	s.Require().NoError(session.Setup(s.ctx, sessionID, s.blankState(testCapacity), 0, false))

	state, err := session.Update(s.ctx, s.appendTokens(session.CachedState(), testTokensPerCall, 1), testTokensPerCall)
	s.Require().NoError(err)
	_, err = session.Update(s.ctx, s.appendTokens(state, testTokensPerCall, 5), testTokensPerCall)
	s.Require().NoError(err)

	s.pool.Remove(s.ctx, sessionID)

	// setup, two evictions, close
	tags := make([]string, 0, 4)
	deadline := time.After(5 * time.Second)
	for len(tags) < 4 {
		select {
		case published := <-s.publisher.Batches():
			s.Equal("kvcache@"+sessionID, published.Topic)
			s.Require().Len(published.Batch.Events, 1)

			var fields []any
			s.Require().NoError(msgpack.Unmarshal(published.Batch.Events[0], &fields))
			s.Require().NotEmpty(fields)
			tag, ok := fields[0].(string)
			s.Require().True(ok)
			tags = append(tags, tag)
		case <-deadline:
			s.FailNowf("timed out", "received %d of 4 events", len(tags))
		}
	}

	s.Equal([]string{
		cacheevents.SessionSetupEventTag,
		cacheevents.EntriesEvictedEventTag,
		cacheevents.EntriesEvictedEventTag,
		cacheevents.SessionClosedEventTag,
	}, tags)
}

// TestSnapshotOutlivesPoolChurn stores a snapshot and verifies it remains
// loadable after unrelated sessions churn through the pool.
func (s *DecoderCacheSuite) TestSnapshotOutlivesPoolChurn() {
	const sessionID = "parked-session"

	session := s.pool.GetOrCreate(s.ctx, sessionID)
	s.Require().NoError(session.Setup(s.ctx, sessionID, s.blankState(testCapacity), 0, true))

	concrete, ok := session.(*decodercache.Session)
	s.Require().True(ok)
	snap, err := snapshot.Capture(concrete)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Save(s.ctx, snap))
	s.pool.Remove(s.ctx, sessionID)

	for i := 0; i < 16; i++ {
		id := string(rune('a'+i)) + "-churn"
		churn := s.pool.GetOrCreate(s.ctx, id)
		s.Require().NoError(churn.Setup(s.ctx, id, s.blankState(testCapacity), 0, false))
		s.pool.Remove(s.ctx, id)
	}

	loaded, err := s.store.Load(s.ctx, sessionID)
	s.Require().NoError(err)
	s.Equal(sessionID, loaded.SessionID)
	s.True(loaded.FreezeFirstPosition)
}
