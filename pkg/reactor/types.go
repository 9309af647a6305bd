package reactor

import (
	"context"
	"errors"
)

// ConnectionStatus reflects the transport state of a reactor.
type ConnectionStatus string

const (
	StatusConnecting    ConnectionStatus = "connecting"
	StatusOpened        ConnectionStatus = "opened"
	StatusAuthenticated ConnectionStatus = "authenticated"
	StatusClosed        ConnectionStatus = "closed"
	StatusErrored       ConnectionStatus = "errored"
)

// Room defaults used when a caller does not name a room.
const (
	DefaultRoomType = "_defaultRoomType"
	DefaultRoomID   = "_defaultRoomId"
)

// ErrOffline is returned by reactors that need a live connection for an operation.
var ErrOffline = errors.New("reactor: no live connection")

// Query describes the data a caller wants. It is compared structurally, never by identity.
type Query map[string]any

// QueryOptions carries per-call options for a query.
type QueryOptions struct {
	RuleParams map[string]any `json:"ruleParams,omitempty"`
}

// Result is a single push from the reactor for a query subscription.
type Result struct {
	Data     map[string]any
	PageInfo map[string]any
	Error    error
}

// OnceResult is the answer to a one-shot query.
type OnceResult struct {
	Data     map[string]any `json:"data"`
	PageInfo map[string]any `json:"pageInfo,omitempty"`
}

// User is the signed-in principal.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IsGuest      bool   `json:"isGuest"`
}

// AuthResult is pushed to auth subscribers. A nil User means signed out.
type AuthResult struct {
	User  *User
	Error error
}

// PresenceData is the free-form presence payload a peer publishes.
type PresenceData map[string]any

// PresencePeer is one peer's presence, restricted to the keys that were asked for.
type PresencePeer struct {
	PeerID string       `json:"peerId"`
	Data   PresenceData `json:"data"`
}

// PresenceOpts narrows a presence subscription.
type PresenceOpts struct {
	// User controls whether the local user's presence is included. Nil means true.
	User *bool
	// Peers restricts the result to these peer ids. Nil means all peers.
	Peers []string
	// Keys restricts each peer's data to these keys. Nil means all keys.
	Keys []string
	// InitialPresence is the first presence published when the room is joined.
	InitialPresence PresenceData
}

// IncludeUser reports whether the local user's presence belongs in the slice.
func (o PresenceOpts) IncludeUser() bool {
	return o.User == nil || *o.User
}

// PresenceSnapshot is the wholesale presence state of a room as seen by one subscriber.
type PresenceSnapshot struct {
	User      *PresencePeer           `json:"user,omitempty"`
	Peers     map[string]PresencePeer `json:"peers"`
	IsLoading bool                    `json:"isLoading"`
	Error     string                  `json:"error,omitempty"`
}

// TopicMessage is a broadcast on a room topic.
type TopicMessage struct {
	RoomType string         `json:"roomType"`
	RoomID   string         `json:"roomId"`
	Topic    string         `json:"topic"`
	Data     map[string]any `json:"data"`
}

// TopicHandler receives topic broadcasts together with the sender's presence.
type TopicHandler func(data map[string]any, peer PresenceData)

// TxChunk is one mutation against a single entity.
type TxChunk struct {
	Namespace string         `json:"namespace" validate:"required"`
	ID        string         `json:"id" validate:"required"`
	Action    string         `json:"action" validate:"required,oneof=update merge delete"`
	Args      map[string]any `json:"args,omitempty"`
}

// TxResult is the acknowledgement of a transaction.
type TxResult struct {
	Status        string `json:"status"`
	ClientEventID string `json:"clientEventId"`
}

// Transaction statuses.
const (
	TxSynced   = "synced"
	TxEnqueued = "enqueued"
)

// Unsubscribe releases a subscription. Reactors must make it safe to call more than once.
type Unsubscribe func()

// Reactor is the capability set the binding layer consumes. It performs sync,
// optimistic writes and query evaluation; the binding layer only subscribes and relays.
type Reactor interface {
	SubscribeQuery(q Query, cb func(*Result)) Unsubscribe
	GetPreviousResult(q Query) *Result

	SubscribeAuth(cb func(AuthResult)) Unsubscribe
	SubscribeConnectionStatus(cb func(ConnectionStatus)) Unsubscribe
	Status() ConnectionStatus

	SubscribeTopic(roomID, topic string, cb TopicHandler) Unsubscribe
	PublishTopic(msg TopicMessage) error

	JoinRoom(roomID string, initialPresence PresenceData) Unsubscribe
	GetPresence(roomType, roomID string, opts PresenceOpts) *PresenceSnapshot
	SubscribePresence(roomType, roomID string, opts PresenceOpts, cb func(PresenceSnapshot)) Unsubscribe
	PublishPresence(roomType, roomID string, data PresenceData) error

	Transact(ctx context.Context, chunks []TxChunk) (TxResult, error)
	QueryOnce(ctx context.Context, q Query, opts QueryOptions) (OnceResult, error)
	GetAuth(ctx context.Context) (*User, error)
	GetLocalID(ctx context.Context, name string) (string, error)
}
