package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/lcsync/internal/api"
	"github.com/matheus3301/lcsync/internal/workspace"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func getStr(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getNum(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func getBool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func getObj(s *structpb.Struct, key string) *structpb.Struct {
	return s.GetFields()[key].GetStructValue()
}

func getList(s *structpb.Struct, key string) []*structpb.Struct {
	var out []*structpb.Struct
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		out = append(out, v.GetStructValue())
	}
	return out
}

func stringArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func (c *cli) accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "accounts",
		Short:       "List accounts with a data directory",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{offline: "true"},
		RunE: func(*cobra.Command, []string) error {
			names, err := workspace.Accounts()
			if err != nil {
				return err
			}
			active, _ := workspace.Resolve(c.account)
			for _, name := range names {
				mark := " "
				if name == active {
					mark = "*"
				}
				fmt.Printf("%s %s\n", mark, name)
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(api.MethodGetStatus, nil, func(out *structpb.Struct) {
				fmt.Printf("Account: %s\n", getStr(out, "account"))
				fmt.Printf("State:   %s since %s\n", getStr(out, "state"), formatMillis(getNum(out, "stateSince")))
				if owner := getStr(out, "owner"); owner != "" {
					fmt.Printf("User:    %s\n", owner)
				}
				fmt.Printf("Uptime:  %dms\n", getNum(out, "uptimeMs"))
				if !getBool(out, "localStore") {
					fmt.Println("Local store unavailable, running from memory")
				}
				if counts := getObj(out, "counts"); counts != nil {
					fmt.Printf("Cached:  %d friends, %d applies, %d blocked, %d conversations, %d messages, %d queued\n",
						getNum(counts, "friends"), getNum(counts, "applies"), getNum(counts, "blacklist"),
						getNum(counts, "conversations"), getNum(counts, "messages"), getNum(counts, "outbox"))
				}
				if _, ok := out.GetFields()["unreadApplies"]; ok {
					suffix := ""
					if !getBool(out, "unreadSynced") {
						suffix = " (local count)"
					}
					fmt.Printf("Unread friend requests: %d%s\n", getNum(out, "unreadApplies"), suffix)
				}
			})
		},
	}
}

func (c *cli) loginCmd() *cobra.Command {
	var password, code string
	cmd := &cobra.Command{
		Use:   "login [account]",
		Short: "Sign in with a password or a scanned login code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"code": code, "password": password}
			if len(args) == 1 {
				req["account"] = args[0]
			}
			return c.call(api.MethodSignIn, req, func(out *structpb.Struct) {
				fmt.Printf("Signed in as %s\n", getStr(out, "owner"))
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&code, "code", "", "login code or scanned QR payload")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and drop in-memory caches",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(api.MethodSignOut, map[string]any{"purge": purge}, func(out *structpb.Struct) {
				if getBool(out, "purged") {
					fmt.Println("Signed out, cache purged")
					return
				}
				fmt.Println("Signed out")
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the account's cached rows")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile every collection with the server",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(api.MethodSyncAll, nil, func(out *structpb.Struct) {
				for _, r := range getList(out, "results") {
					state := "ok"
					if e := getStr(r, "error"); e != "" {
						state = "failed: " + e
					}
					fmt.Printf("%-10s %6dms  %s\n", getStr(r, "name"), getNum(r, "elapsedMs"), state)
				}
			})
		},
	}
}

func (c *cli) profileCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the signed-in user's profile",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(api.MethodGetProfile, map[string]any{"refresh": refresh}, nil)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch from the server first")
	return cmd
}

func (c *cli) friendsCmd() *cobra.Command {
	var grouped bool
	cmd := &cobra.Command{
		Use:   "friends [preferred-tag...]",
		Short: "List cached friends",
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"grouped": grouped, "preferredTags": stringArgs(args)}
			return c.call(api.MethodListFriends, req, func(out *structpb.Struct) {
				friends := getList(out, "friends")
				titles := make(map[string]string, len(friends))
				for _, f := range friends {
					titles[getStr(f, "peer")] = getStr(f, "title")
				}
				if !grouped {
					for _, f := range friends {
						fmt.Printf("%-36s %s\n", getStr(f, "peer"), getStr(f, "title"))
					}
				}
				for _, g := range getList(out, "groups") {
					peers := g.GetFields()["peers"].GetListValue().GetValues()
					fmt.Printf("%s (%d)\n", getStr(g, "label"), len(peers))
					for _, p := range peers {
						fmt.Printf("  %s\n", titles[p.GetStringValue()])
					}
				}
				fmt.Printf("%d friends, version %d\n", len(friends), getNum(out, "version"))
			})
		},
	}
	cmd.Flags().BoolVar(&grouped, "grouped", false, "group by tag")
	cmd.AddCommand(
		c.friendMutation("remark <peer> <remark...>", "Rename a friend", api.MethodSetFriendRemark, cobra.MinimumNArgs(2),
			func(args []string) map[string]any {
				return map[string]any{"peer": args[0], "remark": strings.Join(args[1:], " ")}
			}),
		c.friendMutation("tag <peer> [tag]", "Move a friend into a group, or out of every group", api.MethodSetFriendTag, cobra.RangeArgs(1, 2),
			func(args []string) map[string]any {
				req := map[string]any{"peer": args[0], "tag": ""}
				if len(args) == 2 {
					req["tag"] = args[1]
				}
				return req
			}),
		c.friendMutation("delete <peer>", "Remove a friend", api.MethodDeleteFriend, cobra.ExactArgs(1),
			func(args []string) map[string]any { return map[string]any{"peer": args[0]} }),
	)
	return cmd
}

// friendMutation builds a command that changes the friend graph and reports
// the resynced version.
func (c *cli) friendMutation(use, short, method string, args cobra.PositionalArgs, req func([]string) map[string]any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(_ *cobra.Command, args []string) error {
			return c.call(method, req(args), func(out *structpb.Struct) {
				fmt.Printf("Done, friends at version %d\n", getNum(out, "version"))
			})
		},
	}
}

func (c *cli) blacklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "List blocked users",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(api.MethodListBlacklist, nil, func(out *structpb.Struct) {
				items := getList(out, "items")
				for _, e := range items {
					fmt.Printf("%-36s since %s\n", getStr(e, "peer"), formatMillis(getNum(e, "updatedAt")))
				}
				fmt.Printf("%d blocked\n", len(items))
			})
		},
	}
	cmd.AddCommand(
		c.friendMutation("add <peer>", "Block a user", api.MethodAddBlacklist, cobra.ExactArgs(1),
			func(args []string) map[string]any { return map[string]any{"peer": args[0]} }),
		c.friendMutation("remove <peer>", "Unblock a user", api.MethodRemoveBlacklist, cobra.ExactArgs(1),
			func(args []string) map[string]any { return map[string]any{"peer": args[0]} }),
	)
	return cmd
}

func (c *cli) appliesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "applies [inbox|outbox]",
		Short:     "List friend requests",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"inbox", "outbox"},
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "inbox"
			if len(args) == 1 {
				dir = args[0]
			}
			return c.call(api.MethodListApplies, map[string]any{"direction": dir}, func(out *structpb.Struct) {
				for _, a := range getList(out, "items") {
					p := getObj(a, "payload")
					who := getStr(p, "nickname")
					if who == "" {
						who = getStr(p, "targetNickname")
					}
					fmt.Printf("%8d  status=%d  %-20s %s\n", getNum(a, "applyId"), getNum(a, "status"), who, getStr(p, "reason"))
				}
				if dir == "inbox" {
					fmt.Printf("%d unread\n", getNum(out, "unread"))
				}
			})
		},
	}
	cmd.AddCommand(c.appliesReadCmd(), c.appliesHandleCmd(), c.appliesSendCmd(), c.appliesRetryCmd())
	return cmd
}

func (c *cli) appliesSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <uuid> [reason...]",
		Short: "Send a friend request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"target": args[0], "reason": strings.Join(args[1:], " ")}
			return c.call(api.MethodSendApply, req, func(out *structpb.Struct) {
				fmt.Printf("Sent request %d\n", getNum(out, "applyId"))
			})
		},
	}
}

func (c *cli) appliesRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id> [reason...]",
		Short: "Send a previous friend request again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid apply id %q", args[0])
			}
			req := map[string]any{"applyId": id, "reason": strings.Join(args[1:], " ")}
			return c.call(api.MethodRetrySentApply, req, func(*structpb.Struct) {
				fmt.Printf("Request %d sent again\n", id)
			})
		},
	}
}

func (c *cli) appliesReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <id...>",
		Short: "Mark received friend requests as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ids := make([]any, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid apply id %q", a)
				}
				ids = append(ids, id)
			}
			return c.call(api.MethodMarkAppliesRead, map[string]any{"ids": ids}, func(out *structpb.Struct) {
				fmt.Printf("%d unread\n", getNum(out, "unread"))
			})
		},
	}
}

func (c *cli) appliesHandleCmd() *cobra.Command {
	var remark string
	cmd := &cobra.Command{
		Use:       "handle <id> <accept|reject>",
		Short:     "Accept or reject a friend request",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"accept", "reject"},
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid apply id %q", args[0])
			}
			req := map[string]any{"applyId": id, "action": args[1], "remark": remark}
			return c.call(api.MethodHandleApply, req, func(*structpb.Struct) {
				fmt.Printf("Request %d: %s\n", id, args[1])
			})
		},
	}
	cmd.Flags().StringVar(&remark, "remark", "", "remark for the new friend")
	return cmd
}

func (c *cli) conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(api.MethodListConversations, nil, func(out *structpb.Struct) {
				for _, conv := range getList(out, "conversations") {
					fmt.Printf("%-24s %s  %s\n", getStr(conv, "convId"),
						formatMillis(getNum(conv, "updatedAt")), getStr(getObj(conv, "payload"), "preview"))
				}
			})
		},
	}
}

func (c *cli) messagesCmd() *cobra.Command {
	var cursor int64
	var cursorID string
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <conv>",
		Short: "Show one page of a conversation's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"convId": args[0], "cursor": cursor, "cursorId": cursorID, "limit": limit}
			return c.call(api.MethodListMessages, req, func(out *structpb.Struct) {
				for _, m := range getList(out, "messages") {
					fmt.Printf("%s  [%d] %s\n", formatMillis(getNum(m, "sendTime")),
						getNum(m, "status"), getStr(getObj(m, "payload"), "text"))
				}
				if next := getNum(out, "nextCursor"); next > 0 {
					fmt.Printf("older: --cursor %d --cursor-id %s\n", next, getStr(out, "nextCursorId"))
				}
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "only messages sent before this time (ms)")
	cmd.Flags().StringVar(&cursorID, "cursor-id", "", "message id breaking ties at the cursor time")
	cmd.Flags().IntVar(&limit, "limit", 30, "page size (1-100)")
	return cmd
}

func (c *cli) openCmd() *cobra.Command {
	var older int
	cmd := &cobra.Command{
		Use:   "open <conv>",
		Short: "Open a conversation in the daemon and show its loaded messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"convId": args[0]}
			method := api.MethodOpenConversation
			if older > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				if _, err := c.client.Call(ctx, method, req); err != nil {
					return err
				}
				method = api.MethodLoadOlderMessages
				for range older - 1 {
					if _, err := c.client.Call(ctx, method, req); err != nil {
						return err
					}
				}
			}
			return c.call(method, req, func(out *structpb.Struct) {
				for _, m := range getList(out, "messages") {
					fmt.Printf("%s  [%d] %s\n", formatMillis(getNum(m, "sendTime")),
						getNum(m, "status"), getStr(getObj(m, "payload"), "text"))
				}
				if d := getStr(out, "draft"); d != "" {
					fmt.Printf("draft: %s\n", d)
				}
				if getBool(out, "hasMore") {
					fmt.Println("older messages available: --older")
				}
			})
		},
	}
	cmd.Flags().IntVar(&older, "older", 0, "load this many older pages after opening")
	return cmd
}

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conv> <text...>",
		Short: "Queue a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"convId": args[0], "text": strings.Join(args[1:], " ")}
			return c.call(api.MethodSendMessage, req, func(out *structpb.Struct) {
				fmt.Printf("Queued %s\n", getStr(getObj(out, "message"), "clientMsgId"))
			})
		},
	}
}

func (c *cli) draftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "draft <conv> [text...]",
		Short: "Save or clear a conversation draft",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"convId": args[0], "text": strings.Join(args[1:], " ")}
			return c.call(api.MethodSaveDraft, req, func(*structpb.Struct) {
				fmt.Println("Draft saved")
			})
		},
	}
}

func (c *cli) presenceCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "presence <uuid...>",
		Short: "Show online status of users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := map[string]any{"uuids": stringArgs(args), "refresh": refresh}
			return c.call(api.MethodGetPresence, req, func(out *structpb.Struct) {
				for _, p := range getList(out, "presence") {
					fmt.Printf("%-36s %s\n", getStr(p, "userUuid"), getStr(p, "status"))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "look up every user, even if cached")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: "Stream daemon events (cache., message., session., sync.)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace := ""
			if len(args) == 1 {
				namespace = args[0]
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stream, err := c.client.WatchEvents(ctx, namespace)
			if err != nil {
				return err
			}
			for {
				evt, err := stream.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if c.jsonOut {
					if err := printJSON(evt); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s  %s\n", formatMillis(getNum(evt, "occurredAtMs")), getStr(evt, "kind"))
			}
		},
	}
}
