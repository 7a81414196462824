package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
)

func getCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|number>",
		Short: "Show one order by id or order number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			get := opts.client.GetOrder
			if domain.ValidateNumber(args[0]) == nil {
				get = opts.client.GetOrderByNumber
			}
			raw, err := get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func listCmd(opts *options) *cobra.Command {
	var status, customer string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client.ListOrders(cmd.Context(), status, customer, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by order status")
	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of orders")
	return cmd
}

func transitionCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <id> <event>",
		Short: "Fire a state machine event on an order",
		Long:  "Fire a state machine event on an order. Events: " + strings.Join(eventNames(), ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client.Transition(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the order history")
	return cmd
}

func cancelCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func sagaCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "saga <order-id>",
		Short: "Show the place-order saga of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client.Saga(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

// validateNumberCmd works offline.
func validateNumberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-number <number>",
		Short: "Check an order number's format and check digit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := domain.ValidateNumber(args[0]); err != nil {
				if errors.Is(err, domain.ErrInvalidOrderNumber) {
					return fmt.Errorf("%s is not a valid order number: %w", args[0], err)
				}
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
			return err
		},
	}
}

func eventNames() []string {
	events := domain.Events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e))
	}
	return out
}
