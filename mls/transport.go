// Copyright 2024 The Edgemesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mls

import "context"

// Envelope is the wire unit of the append-only log (§6).
type Envelope struct {
	ContentTopic string
	TimestampNs  int64
	Message      []byte
}

// PagingDirection orders a QueryRequest's result page.
type PagingDirection int

const (
	PagingAsc PagingDirection = iota
	PagingDesc
)

// PagingCursor is an opaque position in a topic's log, per §6.
type PagingCursor struct {
	Digest       []byte
	SenderTimeNs int64
}

// PagingInfo controls a QueryRequest's page shape. Default direction is
// Asc, default page size 100; callers stop paging when the response size is
// below Limit or no cursor is returned.
type PagingInfo struct {
	Limit     uint32
	Cursor    *PagingCursor
	Direction PagingDirection
}

// DefaultPageSize is the default QueryRequest page size (§6).
const DefaultPageSize = 100

// QueryRequest is a bounded historical range read over one content topic.
type QueryRequest struct {
	ContentTopics []string
	StartNs       int64
	EndNs         int64
	Paging        PagingInfo
}

// QueryResponse is the page of envelopes satisfying a QueryRequest.
type QueryResponse struct {
	Envelopes []Envelope
	Paging    PagingInfo
}

// Stream is a small pull-based streaming handle, used in place of generated
// grpc client/server stream types since the transport is explicitly out of
// scope (§1) and no .proto ships with this module.
type Stream[T any] interface {
	Recv(ctx context.Context) (T, error)
	Close() error
}

// MessageAPI is the general append-only log transport (§6).
type MessageAPI interface {
	Publish(ctx context.Context, envelopes []Envelope) error
	Subscribe(ctx context.Context, contentTopics []string) (Stream[Envelope], error)
	SubscribeAll(ctx context.Context) (Stream[Envelope], error)
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)
	BatchQuery(ctx context.Context, reqs []QueryRequest) ([]*QueryResponse, error)
}

// GroupMessage is a TLS-serialized MLS message envelope (§6). OriginatorID
// and SequenceID are assigned by the append-only log itself and are what
// the cursor store and stream reconciler order and de-duplicate on.
type GroupMessage struct {
	ID           []byte
	GroupID      GroupID
	CreatedNs    int64
	Data         []byte
	OriginatorID uint32
	SequenceID   uint64
}

// WelcomeMessage is the wrapped-ciphertext welcome envelope (§6).
type WelcomeMessage struct {
	Cursor            uint64
	CreatedNs         int64
	Data              []byte
	HPKEPublicKey     []byte
	WrapperAlgorithm  WrapperAlgorithm
	WelcomeMetadata   WelcomeMetadata
}

// WelcomeMetadata carries the commit-message index the welcome is anchored to (§4.E).
type WelcomeMetadata struct {
	MessageCursor uint64
}

// MLSAPI is the MLS envelope substrate (§6).
type MLSAPI interface {
	UploadKeyPackage(ctx context.Context, keyPackageBytes []byte, isInboxIDCredential bool) error

	// FetchKeyPackages returns one key package per installationKeys entry, in order.
	// Callers must treat a length mismatch in the response as an error.
	FetchKeyPackages(ctx context.Context, installationKeys []InstallationKey) (map[string][]byte, error)

	SendGroupMessages(ctx context.Context, messages []GroupMessage) error
	SendWelcomeMessages(ctx context.Context, messages []WelcomeMessage) error

	QueryGroupMessages(ctx context.Context, groupID GroupID, paging PagingInfo) ([]GroupMessage, PagingInfo, error)
	QueryWelcomeMessages(ctx context.Context, installationKey InstallationKey, paging PagingInfo) ([]WelcomeMessage, PagingInfo, error)

	SubscribeGroupMessages(ctx context.Context, filters []GroupID) (Stream[GroupMessage], error)
	SubscribeWelcomeMessages(ctx context.Context, filters []InstallationKey) (Stream[WelcomeMessage], error)
}
