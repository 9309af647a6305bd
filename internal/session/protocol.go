package session

import (
	"realtime-bindings/pkg/db"
	"realtime-bindings/pkg/reactor"
)

// Client ops.
const (
	OpSubscribeQuery    = "subscribe-query"
	OpUnsubscribeQuery  = "unsubscribe-query"
	OpSubscribeInfinite = "subscribe-infinite"
	OpLoadMore          = "load-more"
	OpSubscribePresence = "subscribe-presence"
	OpPublishPresence   = "publish-presence"
	OpSubscribeTopic    = "subscribe-topic"
	OpPublishTopic      = "publish-topic"
	OpTyping            = "typing"
	OpUnsubscribe       = "unsubscribe"
)

// Server message types.
const (
	TypeQueryState    = "query-state"
	TypeInfiniteState = "infinite-state"
	TypePresence      = "presence"
	TypeTopic         = "topic"
	TypeStatus        = "status"
	TypeError         = "error"
	TypeAck           = "ack"
)

// ClientMessage is one request read from the socket. ID names the handle the op acts on.
type ClientMessage struct {
	Op              string               `json:"op" validate:"required,oneof=subscribe-query unsubscribe-query subscribe-infinite load-more subscribe-presence publish-presence subscribe-topic publish-topic typing unsubscribe"`
	ID              string               `json:"id" validate:"required,max=128"`
	Query           reactor.Query        `json:"query,omitempty" validate:"required_if=Op subscribe-query,required_if=Op subscribe-infinite"`
	RuleParams      map[string]any       `json:"ruleParams,omitempty"`
	Entity          string               `json:"entity,omitempty" validate:"required_if=Op subscribe-infinite"`
	RoomType        string               `json:"roomType,omitempty"`
	RoomID          string               `json:"roomId,omitempty"`
	Topic           string               `json:"topic,omitempty" validate:"required_if=Op subscribe-topic,required_if=Op publish-topic"`
	Keys            []string             `json:"keys,omitempty"`
	Peers           []string             `json:"peers,omitempty"`
	User            *bool                `json:"user,omitempty"`
	InitialPresence reactor.PresenceData `json:"initialPresence,omitempty"`
	Input           string               `json:"input,omitempty" validate:"required_if=Op typing"`
	Active          bool                 `json:"active,omitempty"`
	Data            map[string]any       `json:"data,omitempty"`
}

// ServerMessage is one push written to the socket.
type ServerMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// QueryState is the wire form of db.LifecycleState.
type QueryState struct {
	IsLoading bool           `json:"isLoading"`
	Data      map[string]any `json:"data,omitempty"`
	PageInfo  map[string]any `json:"pageInfo,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func queryState(s db.LifecycleState) QueryState {
	out := QueryState{IsLoading: s.IsLoading, Data: s.Data, PageInfo: s.PageInfo}
	if s.Error != nil {
		out.Error = s.Error.Error()
	}
	return out
}

// InfiniteState is the wire form of db.InfiniteState.
type InfiniteState struct {
	Data          []any `json:"data"`
	IsLoading     bool  `json:"isLoading"`
	IsLoadingMore bool  `json:"isLoadingMore"`
	CanLoadMore   bool  `json:"canLoadMore"`
	Chunks        int   `json:"chunks"`
}

func infiniteState(s db.InfiniteState) InfiniteState {
	data := s.Data
	if data == nil {
		data = []any{}
	}
	return InfiniteState{
		Data:          data,
		IsLoading:     s.IsLoading,
		IsLoadingMore: s.IsLoadingMore,
		CanLoadMore:   s.CanLoadMore,
		Chunks:        len(s.Chunks),
	}
}

// TopicEvent is pushed for every broadcast on a subscribed topic.
type TopicEvent struct {
	Data map[string]any       `json:"data"`
	Peer reactor.PresenceData `json:"peer,omitempty"`
}
