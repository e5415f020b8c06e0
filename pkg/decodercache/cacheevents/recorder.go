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

import "context"

// Recorder receives session lifecycle notifications. Implementations must
// not block: the session's update path is latency sensitive.
type Recorder interface {
	// Record enqueues an event for publication.
	Record(ctx context.Context, sessionID string, event Event)
}

// NopRecorder discards all events. It is the default when event publication
// is not configured.
type NopRecorder struct{}

var _ Recorder = NopRecorder{}

func (NopRecorder) Record(_ context.Context, _ string, _ Event) {}
