package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/x402-foundation/settlex/facilitatorclient"
)

func supportedCmd() *cobra.Command {
	var facilitatorURL string

	cmd := &cobra.Command{
		Use:   "supported",
		Short: "List payment kinds a facilitator advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := facilitatorclient.New(facilitatorclient.Config{
				URL:     facilitatorURL,
				Timeout: 10 * time.Second,
			})
			resp, err := client.Supported(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&facilitatorURL, "url", "http://localhost:8402", "facilitator base URL")
	return cmd
}

func statusCmd() *cobra.Command {
	var facilitatorURL string

	cmd := &cobra.Command{
		Use:   "status [network] [authorizer] [nonce]",
		Short: "Look up the state of one authorization nonce",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := facilitatorclient.New(facilitatorclient.Config{
				URL:     facilitatorURL,
				Timeout: 10 * time.Second,
			})
			resp, err := client.Status(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&facilitatorURL, "url", "http://localhost:8402", "facilitator base URL")
	return cmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
