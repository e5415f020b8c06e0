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

package cacheevents

import (
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// SessionSetupEventTag is the tag for SessionSetup events.
	SessionSetupEventTag = "SessionSetup"
	// EntriesEvictedEventTag is the tag for EntriesEvicted events.
	EntriesEvictedEventTag = "EntriesEvicted"
	// CapacityChangedEventTag is the tag for CapacityChanged events.
	CapacityChangedEventTag = "CapacityChanged"
	// SessionClosedEventTag is the tag for SessionClosed events.
	SessionClosedEventTag = "SessionClosed"
)

// Event is a marker interface for decoder-cache events.
type Event interface {
	isEvent()
	// ToTaggedUnion renders the event as a tagged-union array for
	// msgpack encoding.
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events published under one topic.
// It is encoded as an array.
type EventBatch struct {
	_      struct{} `msgpack:",array"`
	TS     float64
	Events []msgpack.RawMessage
}

// SessionSetup is emitted when a session is (re-)configured.
type SessionSetup struct {
	_                   struct{} `msgpack:",array"`
	SessionID           string
	Capacity            int
	ProcessedTokens     int
	FreezeFirstPosition bool
}

func (e SessionSetup) ToTaggedUnion() []any {
	return []any{
		SessionSetupEventTag,
		e.SessionID,
		e.Capacity,
		e.ProcessedTokens,
		e.FreezeFirstPosition,
	}
}

func (SessionSetup) isEvent() {}

// EntriesEvicted is emitted after each update that removed entries.
type EntriesEvicted struct {
	_                    struct{} `msgpack:",array"`
	SessionID            string
	PaddedRemoved        int
	NonPaddedRemoved     int
	TotalProcessedTokens int
}

func (e EntriesEvicted) ToTaggedUnion() []any {
	return []any{
		EntriesEvictedEventTag,
		e.SessionID,
		e.PaddedRemoved,
		e.NonPaddedRemoved,
		e.TotalProcessedTokens,
	}
}

func (EntriesEvicted) isEvent() {}

// CapacityChanged is emitted when a session's window capacity is resized.
type CapacityChanged struct {
	_           struct{} `msgpack:",array"`
	SessionID   string
	OldCapacity int
	NewCapacity int
}

func (e CapacityChanged) ToTaggedUnion() []any {
	return []any{
		CapacityChangedEventTag,
		e.SessionID,
		e.OldCapacity,
		e.NewCapacity,
	}
}

func (CapacityChanged) isEvent() {}

// SessionClosed is emitted when a session is discarded.
type SessionClosed struct {
	_         struct{} `msgpack:",array"`
	SessionID string
}

func (e SessionClosed) ToTaggedUnion() []any {
	return []any{
		SessionClosedEventTag,
		e.SessionID,
	}
}

func (SessionClosed) isEvent() {}
