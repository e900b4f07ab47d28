package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/cache"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/outbox"
	"github.com/matheus3301/lcsync/internal/status"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStatus maps the error taxonomy onto gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var biz *errs.BizError
	switch {
	case errors.Is(err, errs.ErrValidation):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrAuthInvalid), errors.Is(err, errs.ErrAuthExpired):
		return grpcstatus.Errorf(codes.Unauthenticated, "%s: %v", op, err)
	case errors.Is(err, errs.ErrStorageUnavailable), errors.Is(err, errs.ErrNetwork):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.As(err, &biz):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	}
	return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func num(in *structpb.Struct, key string) int64 {
	return int64(in.GetFields()[key].GetNumberValue())
}

func flag(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

func strList(in *structpb.Struct, key string) []string {
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func numList(in *structpb.Struct, key string) []int64 {
	var out []int64
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		out = append(out, int64(v.GetNumberValue()))
	}
	return out
}

func friendMap(f store.Friend) map[string]any {
	return map[string]any{
		"peer":      f.Peer,
		"title":     cache.FriendTitle(f),
		"version":   f.Version,
		"updatedAt": f.UpdatedAt,
		"payload":   f.Payload.Interface(),
	}
}

func groupMap(g cache.FriendGroup) map[string]any {
	peers := make([]any, len(g.Items))
	for i, f := range g.Items {
		peers[i] = f.Peer
	}
	return map[string]any{"key": g.Key, "label": g.Label, "peers": peers}
}

func blacklistMap(e store.BlacklistEntry) map[string]any {
	return map[string]any{
		"peer":      e.Peer,
		"updatedAt": e.UpdatedAt,
		"payload":   e.Payload.Interface(),
	}
}

func applyMap(a store.Apply) map[string]any {
	return map[string]any{
		"applyId":   a.ApplyID,
		"direction": string(a.Direction),
		"status":    a.Status,
		"updatedAt": a.UpdatedAt,
		"payload":   a.Payload.Interface(),
	}
}

func conversationMap(c store.Conversation) map[string]any {
	return map[string]any{
		"convId":    c.ConvID,
		"updatedAt": c.UpdatedAt,
		"payload":   c.Payload.Interface(),
	}
}

func messageMap(m store.Message) map[string]any {
	var seq any
	if m.Seq != nil {
		seq = *m.Seq
	}
	return map[string]any{
		"convId":      m.ConvID,
		"msgId":       m.MsgID,
		"clientMsgId": m.ClientMsgID,
		"seq":         seq,
		"sendTime":    m.SendTime,
		"status":      m.Status,
		"payload":     m.Payload.Interface(),
	}
}

func presenceMap(p cache.Presence, known bool, now time.Time) map[string]any {
	platforms := make([]any, len(p.OnlinePlatforms))
	for i, s := range p.OnlinePlatforms {
		platforms[i] = s
	}
	var label string
	if known {
		label = cache.FormatStatus(&p, now)
	} else {
		label = cache.FormatStatus(nil, now)
	}
	return map[string]any{
		"userUuid":        p.UserUUID,
		"known":           known,
		"isOnline":        p.IsOnline,
		"lastSeenAt":      p.LastSeenAt,
		"onlinePlatforms": platforms,
		"status":          label,
	}
}

func reportMap(r syncer.Report) map[string]any {
	results := make([]any, len(r.Results))
	for i, res := range r.Results {
		entry := map[string]any{
			"name":      res.Name,
			"elapsedMs": res.Elapsed.Milliseconds(),
		}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
		}
		results[i] = entry
	}
	return map[string]any{"owner": r.Owner, "results": results}
}

// eventPayload renders the known bus payloads; anything else is described
// as text.
func eventPayload(p any) map[string]any {
	switch v := p.(type) {
	case nil:
		return map[string]any{}
	case bus.CacheChange:
		return map[string]any{"owner": v.Owner, "count": v.Count}
	case bus.SessionChange:
		return map[string]any{"owner": v.Owner, "reason": v.Reason}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case store.Message:
		return messageMap(v)
	case syncer.Report:
		return reportMap(v)
	case outbox.Ack:
		return map[string]any{
			"owner": v.Owner, "convId": v.ConvID, "clientMsgId": v.ClientMsgID,
			"serverMsgId": v.ServerMsgID, "seq": v.Seq,
		}
	case outbox.Failure:
		return map[string]any{
			"owner": v.Owner, "convId": v.ConvID, "clientMsgId": v.ClientMsgID,
			"error": v.Error, "retrying": v.Retrying,
		}
	}
	return map[string]any{"value": fmt.Sprint(p)}
}
