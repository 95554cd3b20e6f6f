package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type Command string

const (
	CommandPing        Command = "PING"
	CommandFind        Command = "FIND"
	CommandGet         Command = "GET"
	CommandPut         Command = "PUT"
	CommandQueryCommit Command = "QUERY-COMMIT"
	CommandCommit      Command = "COMMIT"
	CommandList        Command = "LIST"
	CommandSync        Command = "SYNC"
)

// Request is one command exchange. Token correlates the reply on a shared channel
type Request struct {
	Token   uint64          `json:"token"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	Token   uint64          `json:"token"`
	Code    string          `json:"code"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewRequest(cmd Command, payload any) (*Request, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", cmd, err)
	}
	return &Request{
		Command: cmd,
		Payload: buf,
	}, nil
}

func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%s request has no payload", r.Command)
	}
	return json.Unmarshal(r.Payload, v)
}

func NewResponse(payload any) (*Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding response payload: %w", err)
	}
	return &Response{
		Code:    "ok",
		Payload: buf,
	}, nil
}

func (r *Response) Decode(v any) error {
	if v == nil || len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// Envelope carries a storable item as a tagged union keyed by Kind
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type PingRequest struct {
	Endpoint string `json:"endpoint"`
}

type PingResponse struct {
	Endpoint    string   `json:"endpoint"`
	ObservedIP  string   `json:"observedIp"`
	Successor   string   `json:"successor,omitempty"`
	Predecessor string   `json:"predecessor,omitempty"`
	Seen        []string `json:"seen,omitempty"`
}

type FindRequest struct {
	Target  uint64   `json:"target"`
	Hops    []string `json:"hops"`
	MaxHops int      `json:"maxHops"`
}

type FindResponse struct {
	Peer string `json:"peer"`
}

type GetRequest struct {
	Path string `json:"path"`
}

type GetResponse struct {
	Item *Envelope `json:"item,omitempty"`
}

type PutRequest struct {
	Item Envelope `json:"item"`
}

type PutResponse struct {
	Token string `json:"token"`
}

type QueryCommitRequest struct {
	Path string `json:"path"`
}

type QueryCommitResponse struct {
	Found      bool      `json:"found"`
	UpdatedUtc time.Time `json:"updatedUtc"`
}

type CommitRequest struct {
	Token string `json:"token"`
}

type CommitResponse struct{}

type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

type ListRequest struct {
	Path   string    `json:"path"`
	Order  SortOrder `json:"order"`
	Since  time.Time `json:"since"`
	Until  time.Time `json:"until"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}

type ListResponse struct {
	Items []Envelope `json:"items"`
	More  bool       `json:"more"`
}

// Announcement advertises the current version of a key and the content hashes of its sub-collections
type Announcement struct {
	Path       string            `json:"path"`
	Endpoint   string            `json:"endpoint"`
	UpdatedUtc time.Time         `json:"updatedUtc"`
	Hashes     map[string]string `json:"hashes,omitempty"`
}

// Fingerprint identifies the announced content, ignoring who announced it
func (a *Announcement) Fingerprint() string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%d|%s", a.UpdatedUtc.UnixNano(), sortedHashes(a.Hashes))
}

type SyncRequest struct {
	Announcement Announcement `json:"announcement"`
}

type SyncResponse struct {
	Accepted bool `json:"accepted"`
}
