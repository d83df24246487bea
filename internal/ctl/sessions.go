package ctl

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Sessions lists the control channels open on the daemon.
func Sessions(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var resp struct {
		Sessions []struct {
			ID        string    `json:"id"`
			Remote    string    `json:"remote"`
			OpenedAt  time.Time `json:"opened_at"`
			Commands  int64     `json:"commands"`
			Malformed int64     `json:"malformed"`
			Rejected  int64     `json:"rejected"`
		} `json:"sessions"`
	}
	if err := getJSON(baseURL, "/api/sessions", &resp); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Println()
	fmt.Println(header("  SESSIONS"))
	fmt.Println(rule(50))
	if len(resp.Sessions) == 0 {
		fmt.Println("  No open sessions.")
		fmt.Println()
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tRemote\tOpen for\tCommands\tMalformed\tRejected")
	for _, s := range resp.Sessions {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.Remote, formatDuration(time.Since(s.OpenedAt)), s.Commands, s.Malformed, s.Rejected)
	}
	_ = tw.Flush()
	fmt.Println()
	return nil
}
