package protocol

import (
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

var _ zapcore.ObjectMarshaler = (*Request)(nil)

func (r *Request) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("token", r.Token)
	enc.AddString("command", string(r.Command))
	enc.AddInt("payload", len(r.Payload))
	return nil
}

var _ zapcore.ObjectMarshaler = (*Response)(nil)

func (r *Response) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("token", r.Token)
	enc.AddString("code", r.Code)
	if r.Error != "" {
		enc.AddString("error", r.Error)
	}
	return nil
}

var _ zapcore.ObjectMarshaler = (*Announcement)(nil)

func (a *Announcement) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("path", a.Path)
	enc.AddString("endpoint", a.Endpoint)
	enc.AddTime("updatedUtc", a.UpdatedUtc)
	if len(a.Hashes) > 0 {
		enc.AddString("hashes", sortedHashes(a.Hashes))
	}
	return nil
}

var _ zapcore.ObjectMarshaler = (*Envelope)(nil)

func (e *Envelope) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", e.Kind)
	enc.AddInt("size", len(e.Data))
	return nil
}

func sortedHashes(h map[string]string) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(h[k])
	}
	return sb.String()
}
