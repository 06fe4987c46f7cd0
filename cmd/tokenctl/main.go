// Command tokenctl issues, revokes, and lists credentials outside the
// HTTP API, for operators bootstrapping access to a new principal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"bastion-dispatcher/internal/auth"
	"bastion-dispatcher/internal/config"
	"bastion-dispatcher/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	ctx := context.Background()
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	authenticator := auth.New(st)

	switch os.Args[1] {
	case "create":
		runCreate(ctx, authenticator, cfg, os.Args[2:])
	case "revoke":
		runRevoke(ctx, authenticator, os.Args[2:])
	case "list":
		runList(ctx, authenticator)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  tokenctl create [--days N] [--admin] <principal>
  tokenctl revoke <credential-id>
  tokenctl list`)
}

func runCreate(ctx context.Context, authenticator *auth.Authenticator, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	days := fs.Int("days", cfg.CredentialMaxValidityDays, "expiration in days, clamped to the configured maximum")
	admin := fs.Bool("admin", false, "issue an admin credential")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "create requires a principal name")
		os.Exit(1)
	}
	principal := fs.Arg(0)

	secret, cred, err := authenticator.IssueCredential(ctx, principal, *admin, *days, cfg.CredentialMaxValidityDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("credential created for %s\n", principal)
	fmt.Printf("  admin:      %v\n", cred.IsAdmin)
	fmt.Printf("  expires at: %s\n", cred.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  secret:     %s\n", secret)
	fmt.Println("  (this secret is shown once; any prior credential for this principal is now revoked)")
}

func runRevoke(ctx context.Context, authenticator *auth.Authenticator, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "revoke requires a credential id")
		os.Exit(1)
	}
	if err := authenticator.RevokeCredential(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "revoke token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("credential revoked")
}

func runList(ctx context.Context, authenticator *auth.Authenticator) {
	creds, err := authenticator.ListCredentials(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tokens: %v\n", err)
		os.Exit(1)
	}
	if len(creds) == 0 {
		fmt.Println("no credentials found")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRINCIPAL\tADMIN\tACTIVE\tEXPIRES AT")
	for _, c := range creds {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%s\n", c.ID, c.Principal, c.IsAdmin, c.Active, c.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}
