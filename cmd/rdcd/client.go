package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/itchio/headway/united"
	"github.com/itchio/screw"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/synchronization"
	"github.com/spf13/cobra"
)

var serverURL string

func addServerFlag(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "node to talk to")
	}
}

func init() {
	addServerFlag(putCmd, getCmd, syncCmd, pushCmd, statusCmd, resolveCmd)
}

func client() (*peer.Client, error) {
	return peer.NewClient(serverURL)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.WithStack(enc.Encode(v))
}

var putCmd = &cobra.Command{
	Use:   "put <local path> <name>",
	Short: "Store a local file on a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}

		f, err := screw.Open(args[0])
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()

		var res struct {
			Length int64 `json:"length"`
		}
		err = c.Send(cmd.Context(), "uploading file", http.MethodPut, c.URL(nil, "files", args[1]), nil, f, &res)
		if err != nil {
			return err
		}
		fmt.Printf("stored %s (%s)\n", args[1], united.FormatBytes(res.Length))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <name> <local path>",
	Short: "Download a file from a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}

		rc, _, err := c.OpenFile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer rc.Close()

		// readers never see a half-written file
		return errors.WithStack(atomic.WriteFile(args[1], rc))
	},
}

func runSynchronization(cmd *cobra.Command, endpoint string, query url.Values) error {
	c, err := client()
	if err != nil {
		return err
	}

	report := &synchronization.Report{}
	err = c.Send(cmd.Context(), "synchronizing", http.MethodPost, c.URL(query, "synchronization", endpoint), nil, nil, report)
	if err != nil {
		return err
	}
	return printJSON(report)
}

var syncCmd = &cobra.Command{
	Use:   "sync <name> <source node url>",
	Short: "Make a node pull a file from another node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSynchronization(cmd, "Proceed", url.Values{
			"fileName":        []string{args[0]},
			"sourceServerUrl": []string{args[1]},
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <name> <destination node url>",
	Short: "Make a node push a file to another node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSynchronization(cmd, "Push", url.Values{
			"fileName":             []string{args[0]},
			"destinationServerUrl": []string{args[1]},
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show the last synchronization reports of a node",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}

		var query url.Values
		if len(args) == 1 {
			query = url.Values{"fileName": []string{args[0]}}
		}

		var res json.RawMessage
		err = c.GetJSON(cmd.Context(), "fetching status", c.URL(query, "synchronization", "status"), &res)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <name> <CurrentVersion|RemoteVersion>",
	Short: "Resolve a conflict on a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}

		query := url.Values{
			"fileName": []string{args[0]},
			"strategy": []string{args[1]},
		}
		return c.Send(cmd.Context(), "resolving conflict", http.MethodPatch,
			c.URL(query, "synchronization", "ResolveConflict"), nil, nil, nil)
	},
}
