package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/lcsync/internal/api"
	"github.com/matheus3301/lcsync/internal/workspace"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// offline marks commands that run without a daemon connection.
const offline = "offline"

type cli struct {
	account string
	jsonOut bool
	timeout time.Duration

	conn   *grpc.ClientConn
	client *api.Client
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:           "lcsyncctl",
		Short:         "Inspect and drive a running lcsyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[offline] == "true" {
				return nil
			}
			return c.connect()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.conn != nil {
				_ = c.conn.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.account, "account", "", "account name (overrides config default)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		c.accountsCmd(),
		c.statusCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.syncCmd(),
		c.profileCmd(),
		c.friendsCmd(),
		c.blacklistCmd(),
		c.appliesCmd(),
		c.conversationsCmd(),
		c.messagesCmd(),
		c.openCmd(),
		c.sendCmd(),
		c.draftCmd(),
		c.presenceCmd(),
		c.watchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) connect() error {
	account, err := workspace.Resolve(c.account)
	if err != nil {
		return err
	}
	conn, err := grpc.NewClient(
		"unix://"+workspace.SocketPath(account),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for account %q: %w", account, err)
	}
	c.conn = conn
	c.client = api.NewClient(conn)
	return nil
}

// call runs a unary method and prints the response as JSON when --json is
// set, otherwise through human.
func (c *cli) call(method string, req map[string]any, human func(*structpb.Struct)) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	out, err := c.client.Call(ctx, method, req)
	if err != nil {
		return err
	}
	if c.jsonOut || human == nil {
		return printJSON(out)
	}
	human(out)
	return nil
}

func printJSON(s *structpb.Struct) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
