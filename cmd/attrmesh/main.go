package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/attrmesh/pkg/client"
	"github.com/cuemby/attrmesh/pkg/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var apiAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "attrmesh",
	Short: "Attrmesh - transient attribute replication for clusters",
	Long: `Attrmesh keeps per-node transient attributes consistent across a
cluster. Each node runs a daemon that coalesces rapid local updates,
announces values to its peers and persists them to a shared store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Attrmesh version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", config.DefaultAPIAddr,
		"Address of the local daemon API")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(clearFailureCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(listCmd)
}

func apiClient() (*client.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	return client.New(apiAddr), ctx, cancel
}

var updateCmd = &cobra.Command{
	Use:   "update <name> <value>",
	Short: "Set an attribute on this or another node",
	Long: `Set an attribute value. The value "name++" or "name+=N" increments
the current numeric value. With --pattern, every existing attribute
matching the regular expression is updated instead of one name.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetBool("pattern")
		host, _ := cmd.Flags().GetString("host")
		remote, _ := cmd.Flags().GetBool("remote")
		set, _ := cmd.Flags().GetString("set")
		section, _ := cmd.Flags().GetString("section")
		dampen, _ := cmd.Flags().GetString("dampen")
		key, _ := cmd.Flags().GetString("key")

		if len(args) < 2 {
			return fmt.Errorf("a value is required; use 'attrmesh delete' to remove an attribute")
		}

		opts := client.UpdateOptions{
			Value:    client.String(args[1]),
			Host:     host,
			IsRemote: remote,
			Set:      set,
			Section:  section,
			Dampen:   dampen,
			Key:      key,
		}
		if pattern {
			opts.Pattern = args[0]
		} else {
			opts.Name = args[0]
		}

		c, ctx, cancel := apiClient()
		defer cancel()
		if err := c.Update(ctx, opts); err != nil {
			return err
		}
		fmt.Println("Update accepted")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an attribute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetBool("pattern")
		host, _ := cmd.Flags().GetString("host")
		remote, _ := cmd.Flags().GetBool("remote")
		section, _ := cmd.Flags().GetString("section")

		opts := client.UpdateOptions{
			Host:     host,
			IsRemote: remote,
			Section:  section,
		}
		if pattern {
			opts.Pattern = args[0]
		} else {
			opts.Name = args[0]
		}

		c, ctx, cancel := apiClient()
		defer cancel()
		if err := c.Update(ctx, opts); err != nil {
			return err
		}
		fmt.Println("Delete accepted")
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force an immediate rewrite of all attributes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := apiClient()
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			return err
		}
		fmt.Println("Refresh accepted")
		return nil
	},
}

var clearFailureCmd = &cobra.Command{
	Use:   "clear-failure",
	Short: "Clear resource failure attributes",
	Long: `Clear fail-count and last-failure attributes. Without --host the
request fans out to every node; without --resource it covers every
resource. --operation narrows the clear to one operation, optionally
with --interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		resource, _ := cmd.Flags().GetString("resource")
		operation, _ := cmd.Flags().GetString("operation")
		interval, _ := cmd.Flags().GetString("interval")
		remote, _ := cmd.Flags().GetBool("remote")

		c, ctx, cancel := apiClient()
		defer cancel()
		if err := c.ClearFailure(ctx, client.ClearOptions{
			Host:      host,
			Resource:  resource,
			Operation: operation,
			Interval:  interval,
			IsRemote:  remote,
		}); err != nil {
			return err
		}
		fmt.Println("Clear accepted")
		return nil
	},
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage cluster peers",
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove <host>",
	Short: "Announce cluster-wide that a node has left",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := apiClient()
		defer cancel()
		if err := c.RemovePeer(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removal of %s accepted\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the daemon's attribute table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := apiClient()
		defer cancel()
		attrs, err := c.List(ctx)
		if err != nil {
			return err
		}
		if len(attrs) == 0 {
			fmt.Println("No attributes")
			return nil
		}
		fmt.Printf("%-40s %-16s %-16s %-8s %s\n", "NAME", "DESIRED", "CONFIRMED", "SECTION", "DAMPEN")
		for _, a := range attrs {
			fmt.Printf("%-40s %-16s %-16s %-8s %s\n",
				a.Name, displayValue(a.Desired), displayValue(a.Confirmed), a.Section, a.Dampen)
		}
		return nil
	},
}

func displayValue(v *string) string {
	if v == nil {
		return "<unset>"
	}
	return *v
}

func init() {
	updateCmd.Flags().Bool("pattern", false, "Treat the name as a regular expression over existing attributes")
	updateCmd.Flags().String("host", "", "Target node (default: this node)")
	updateCmd.Flags().Bool("remote", false, "Target is a remote-class node with no daemon")
	updateCmd.Flags().String("set", "", "Attribute set to group the value under")
	updateCmd.Flags().String("section", "", "Store section: status (default) or nodes")
	updateCmd.Flags().String("dampen", "", "Dampening interval, e.g. 5s or plain seconds")
	updateCmd.Flags().String("key", "", "Store entry key override")

	deleteCmd.Flags().Bool("pattern", false, "Treat the name as a regular expression over existing attributes")
	deleteCmd.Flags().String("host", "", "Target node (default: this node)")
	deleteCmd.Flags().Bool("remote", false, "Target is a remote-class node with no daemon")
	deleteCmd.Flags().String("section", "", "Store section: status (default) or nodes")

	clearFailureCmd.Flags().String("host", "", "Limit the clear to one node (default: all nodes)")
	clearFailureCmd.Flags().String("resource", "", "Limit the clear to one resource (default: all resources)")
	clearFailureCmd.Flags().String("operation", "", "Limit the clear to one operation")
	clearFailureCmd.Flags().String("interval", "", "Operation interval, used with --operation")
	clearFailureCmd.Flags().Bool("remote", false, "Target is a remote-class node with no daemon")

	peerCmd.AddCommand(peerRemoveCmd)
}
