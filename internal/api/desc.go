// Package api exposes the caches to UI and CLI callers over gRPC. The
// service is registered by hand: every request and response is a
// structpb.Struct, so opaque cached payloads travel without a schema.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lcsync.v1.CacheService"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodSignIn            = "SignIn"
	MethodSignOut           = "SignOut"
	MethodSyncAll           = "SyncAll"
	MethodGetProfile        = "GetProfile"
	MethodListFriends       = "ListFriends"
	MethodListBlacklist     = "ListBlacklist"
	MethodListApplies       = "ListApplies"
	MethodMarkAppliesRead   = "MarkAppliesRead"
	MethodHandleApply       = "HandleApply"
	MethodSendApply         = "SendApply"
	MethodRetrySentApply    = "RetrySentApply"
	MethodSetFriendRemark   = "SetFriendRemark"
	MethodSetFriendTag      = "SetFriendTag"
	MethodDeleteFriend      = "DeleteFriend"
	MethodAddBlacklist      = "AddBlacklist"
	MethodRemoveBlacklist   = "RemoveBlacklist"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodOpenConversation  = "OpenConversation"
	MethodLoadOlderMessages = "LoadOlderMessages"
	MethodSendMessage       = "SendMessage"
	MethodSaveDraft         = "SaveDraft"
	MethodGetPresence       = "GetPresence"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the RPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// CacheServiceServer is the server API of lcsync.v1.CacheService.
type CacheServiceServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFriends(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBlacklist(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListApplies(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkAppliesRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HandleApply(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendApply(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetrySentApply(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetFriendRemark(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetFriendTag(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteFriend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddBlacklist(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveBlacklist(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlderMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryCall func(CacheServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(CacheServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CacheServiceServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes lcsync.v1.CacheService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, CacheServiceServer.GetStatus),
		unary(MethodSignIn, CacheServiceServer.SignIn),
		unary(MethodSignOut, CacheServiceServer.SignOut),
		unary(MethodSyncAll, CacheServiceServer.SyncAll),
		unary(MethodGetProfile, CacheServiceServer.GetProfile),
		unary(MethodListFriends, CacheServiceServer.ListFriends),
		unary(MethodListBlacklist, CacheServiceServer.ListBlacklist),
		unary(MethodListApplies, CacheServiceServer.ListApplies),
		unary(MethodMarkAppliesRead, CacheServiceServer.MarkAppliesRead),
		unary(MethodHandleApply, CacheServiceServer.HandleApply),
		unary(MethodSendApply, CacheServiceServer.SendApply),
		unary(MethodRetrySentApply, CacheServiceServer.RetrySentApply),
		unary(MethodSetFriendRemark, CacheServiceServer.SetFriendRemark),
		unary(MethodSetFriendTag, CacheServiceServer.SetFriendTag),
		unary(MethodDeleteFriend, CacheServiceServer.DeleteFriend),
		unary(MethodAddBlacklist, CacheServiceServer.AddBlacklist),
		unary(MethodRemoveBlacklist, CacheServiceServer.RemoveBlacklist),
		unary(MethodListConversations, CacheServiceServer.ListConversations),
		unary(MethodListMessages, CacheServiceServer.ListMessages),
		unary(MethodOpenConversation, CacheServiceServer.OpenConversation),
		unary(MethodLoadOlderMessages, CacheServiceServer.LoadOlderMessages),
		unary(MethodSendMessage, CacheServiceServer.SendMessage),
		unary(MethodSaveDraft, CacheServiceServer.SaveDraft),
		unary(MethodGetPresence, CacheServiceServer.GetPresence),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "lcsync/v1/cache.proto",
}

// RegisterCacheServiceServer registers srv on s.
func RegisterCacheServiceServer(s grpc.ServiceRegistrar, srv CacheServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
