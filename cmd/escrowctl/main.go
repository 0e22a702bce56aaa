package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// cli carries the resolved global settings into each subcommand.
type cli struct {
	profilePath string
	profile     Profile
	endpoint    string
	stdout      io.Writer
	stderr      io.Writer
}

type command struct {
	name    string
	summary string
	run     func(c *cli, args []string) int
}

func commands() []command {
	return []command{
		{"keygen", "Generate a signing key into an encrypted keystore", runKeygen},
		{"address", "Print the address of the profile keystore", runAddress},
		{"profile", "Show or update the CLI profile", runProfile},
		{"roles", "Show the escrow role addresses", runRoles},
		{"list", "List a deed for sale (seller)", runList},
		{"deposit", "Deposit earnest money against a listing (buyer)", runDeposit},
		{"fund", "Send funds to the escrow pool (lender)", runFund},
		{"inspect", "Record the inspection result (inspector)", runInspect},
		{"approve", "Approve the sale as the signing party", runApprove},
		{"finalize", "Settle a fully approved sale", runFinalize},
		{"listing", "Show one listing", runListing},
		{"listings", "Show every listing", runListings},
		{"approval", "Show whether an address approved a sale", runApproval},
		{"balance", "Show the escrow pool or an account balance", runBalance},
		{"transfer", "Transfer ledger funds to another account", runTransfer},
		{"deed-approve", "Approve an operator for a deed (owner)", runDeedApprove},
		{"owner", "Show the owner of a deed", runOwner},
		{"events", "Show recent escrow events", runEvents},
		{"audit", "Show recent audit log rows", runAudit},
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	c := &cli{profilePath: defaultProfilePath(), stdout: stdout, stderr: stderr}
	args, rpcOverride, err := c.applyGlobalFlags(args)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	profile, err := loadProfile(c.profilePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c.profile = profile
	c.endpoint = profile.RPCURL
	if rpcOverride != "" {
		c.endpoint = rpcOverride
	}

	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(c, args[1:])
		}
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprintln(stdout, usage())
		return 0
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
	fmt.Fprintln(stderr, usage())
	return 1
}

// applyGlobalFlags strips --rpc and --profile from args wherever they appear.
func (c *cli) applyGlobalFlags(args []string) ([]string, string, error) {
	out := make([]string, 0, len(args))
	var rpcOverride string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "--profile":
			if i+1 >= len(args) {
				return nil, "", fmt.Errorf("missing value for %s", arg)
			}
			if arg == "--rpc" {
				rpcOverride = args[i+1]
			} else {
				c.profilePath = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--rpc="):
			rpcOverride = strings.TrimPrefix(arg, "--rpc=")
		case strings.HasPrefix(arg, "--profile="):
			c.profilePath = strings.TrimPrefix(arg, "--profile=")
		default:
			out = append(out, arg)
		}
	}
	return out, strings.TrimSpace(rpcOverride), nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of escrowctl %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags parses args and rejects positional leftovers.
func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func usage() string {
	var b strings.Builder
	b.WriteString("Usage:\n  escrowctl [--rpc URL] [--profile PATH] <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands() {
		fmt.Fprintf(&b, "  %-13s%s\n", cmd.name, cmd.summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
