package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run dispatch, the instance monitor, maintenance and the ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
}

func (c *cli) workerCommand() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run dispatch loops for a single tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Worker(cmd.Context(), tenantID)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) maintainCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run queue maintenance on its schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Maintain(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func (c *cli) enqueueCommand() *cobra.Command {
	var (
		tenantID string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append one update payload to a tenant's queue",
		Long:  "Reads the payload from --file, or from stdin when --file is empty or \"-\".",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.Enqueue(cmd.Context(), tenantID, payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file (default stdin)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if file = strings.TrimSpace(file); file == "" || file == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, errors.New("read payload: empty")
	}
	return b, nil
}
