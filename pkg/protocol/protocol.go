// Package protocol implements the request/response messages backend servers
// use to ask a proxy about cluster-wide presence.
//
// Frames follow the layout of Java's DataOutput so existing backend plugins
// can talk to the proxy unchanged: a string is a big-endian uint16 byte
// length followed by UTF-8 bytes, an int is a big-endian int32 and a long a
// big-endian int64.
//
// A request is two strings, the subchannel and the target:
//
//	PlayerList  ALL            -> "Players", "ALL", comma-joined names
//	PlayerList  <backend>      -> "Players", comma-joined names
//	PlayerCount <backend|ALL>  -> "PlayerCount", target, int32 count, int32 global count
//	LastOnline  <player>       -> "LastOnline", player, int64 last online
//
// The target is not echoed in a PlayerList reply for a single backend, so
// decoding a reply needs the request it answers.
//
// Unknown backends produce an empty list or a zero count. An unknown
// subchannel produces an empty response.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/proxy-presence/pkg/presence"
)

const (
	SubchannelPlayerList  = "PlayerList"
	SubchannelPlayerCount = "PlayerCount"
	SubchannelLastOnline  = "LastOnline"

	// TagPlayers heads the reply to a PlayerList request.
	TagPlayers = "Players"

	// TargetAll asks about the whole cluster rather than one backend.
	TargetAll = "ALL"
)

// Querier is the read surface the handler needs. *presence.Query satisfies it.
type Querier interface {
	GlobalPlayerSet(ctx context.Context) ([]string, error)
	GlobalCount(ctx context.Context) (int, error)
	PlayersOnBackend(ctx context.Context, name string) ([]string, error)
	LastOnline(ctx context.Context, player string) (int64, error)
}

// Request is a decoded query.
type Request struct {
	Subchannel string
	Target     string
}

// Encode frames the request.
func (r Request) Encode() ([]byte, error) {
	var w Writer
	w.WriteUTF(r.Subchannel)
	w.WriteUTF(r.Target)
	return w.Bytes()
}

// DecodeRequest parses a request frame.
func DecodeRequest(data []byte) (Request, error) {
	r := NewReader(data)
	sub, err := r.ReadUTF()
	if err != nil {
		return Request{}, fmt.Errorf("read subchannel: %w", err)
	}
	target, err := r.ReadUTF()
	if err != nil {
		return Request{}, fmt.Errorf("read target: %w", err)
	}
	return Request{Subchannel: sub, Target: target}, nil
}

// Handle answers one request frame. Store failures are returned so the
// transport can log them; unknown backends are not errors.
func Handle(ctx context.Context, q Querier, data []byte) ([]byte, error) {
	req, err := DecodeRequest(data)
	if err != nil {
		return nil, err
	}

	var w Writer
	switch req.Subchannel {
	case SubchannelPlayerList:
		players, err := playersFor(ctx, q, req.Target)
		if err != nil {
			return nil, err
		}
		w.WriteUTF(TagPlayers)
		if req.Target == TargetAll {
			w.WriteUTF(TargetAll)
		}
		w.WriteUTF(strings.Join(players, ","))

	case SubchannelPlayerCount:
		global, err := q.GlobalCount(ctx)
		if err != nil {
			return nil, err
		}
		count := global
		if req.Target != TargetAll {
			players, err := playersFor(ctx, q, req.Target)
			if err != nil {
				return nil, err
			}
			count = len(players)
		}
		w.WriteUTF(SubchannelPlayerCount)
		w.WriteUTF(req.Target)
		w.WriteInt(int32(count))
		w.WriteInt(int32(global))

	case SubchannelLastOnline:
		last, err := q.LastOnline(ctx, req.Target)
		if err != nil {
			return nil, err
		}
		w.WriteUTF(SubchannelLastOnline)
		w.WriteUTF(req.Target)
		w.WriteLong(last)

	default:
		return nil, nil
	}
	return w.Bytes()
}

func playersFor(ctx context.Context, q Querier, target string) ([]string, error) {
	if target == TargetAll {
		return q.GlobalPlayerSet(ctx)
	}
	players, err := q.PlayersOnBackend(ctx, target)
	if errors.Is(err, presence.ErrInvalidArgument) {
		return nil, nil
	}
	return players, err
}

// Response is a decoded answer. Only the fields of its Tag are set.
type Response struct {
	Tag         string
	Target      string
	Players     []string
	Count       int32
	GlobalCount int32
	LastOnline  int64
}

// DecodeResponse parses the reply Handle produced for req.
func DecodeResponse(req Request, data []byte) (Response, error) {
	r := NewReader(data)
	tag, err := r.ReadUTF()
	if err != nil {
		return Response{}, fmt.Errorf("read tag: %w", err)
	}
	resp := Response{Tag: tag, Target: req.Target}

	if tag == TagPlayers {
		if req.Target == TargetAll {
			if _, err := r.ReadUTF(); err != nil {
				return Response{}, fmt.Errorf("read target: %w", err)
			}
		}
		list, err := r.ReadUTF()
		if err != nil {
			return Response{}, err
		}
		if list != "" {
			resp.Players = strings.Split(list, ",")
		}
		return resp, nil
	}

	if resp.Target, err = r.ReadUTF(); err != nil {
		return Response{}, fmt.Errorf("read target: %w", err)
	}
	switch tag {
	case SubchannelPlayerCount:
		if resp.Count, err = r.ReadInt(); err != nil {
			return Response{}, err
		}
		if resp.GlobalCount, err = r.ReadInt(); err != nil {
			return Response{}, err
		}
	case SubchannelLastOnline:
		if resp.LastOnline, err = r.ReadLong(); err != nil {
			return Response{}, err
		}
	default:
		return Response{}, fmt.Errorf("unknown response tag %q", tag)
	}
	return resp, nil
}
