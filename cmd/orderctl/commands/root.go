package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/commerce-order-platform/internal/order/infrastructure/httpclient"
)

type options struct {
	api    string
	token  string
	client *httpclient.Client
}

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "orderctl",
		Short:         "Inspect and operate orders through the order API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("ORDERCTL_TOKEN")
			}
			opts.client = httpclient.New(opts.api, opts.token, nil)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.api, "api", envOr("ORDERCTL_API", "http://localhost:8080"), "order API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (default $ORDERCTL_TOKEN)")

	root.AddCommand(
		getCmd(opts),
		listCmd(opts),
		transitionCmd(opts),
		cancelCmd(opts),
		sagaCmd(opts),
		validateNumberCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
