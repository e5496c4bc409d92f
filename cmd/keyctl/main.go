// Command keyctl manages proxy keys and stored provider keys.
//
//	keyctl issue -user <id> [-name <name>]
//	keyctl revoke -user <id> -id <key id>
//	keyctl list -user <id>
//	keyctl add-provider-key -user <id> -provider <openai|anthropic|google|qwen> [-key -] [-name <name>]
//	keyctl revoke-provider-key -user <id> -id <key id>
//	keyctl list-provider-keys -user <id>
//
// The provider key is read from standard input so it stays out of process
// listings and shell history.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/vault"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/config"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/database"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

type app struct {
	db      *database.DB
	issuer  *vault.Issuer
	keyring *vault.Keyring
	in      io.Reader
	out     io.Writer
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		fatal(err)
	}
	defer db.Close()

	cipher, err := vault.NewCipher(cfg.MasterKey)
	if err != nil {
		fatal(err)
	}

	a := &app{
		db:      db,
		issuer:  vault.NewIssuer(db, vault.DefaultHashParams),
		keyring: vault.NewKeyring(cipher, db),
		in:      os.Stdin,
		out:     os.Stdout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		cancel()
		db.Close()
		fatal(err)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	id := fs.String("id", "", "key id")
	name := fs.String("name", "", "key name")
	provider := fs.String("provider", "", "provider name")
	secret := fs.String("key", "-", `provider API key source; only "-" (stdin) is accepted`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user is required")
	}

	switch cmd {
	case "issue":
		tier, err := a.db.GetUserPlan(ctx, *user)
		if err != nil {
			return err
		}
		issued, err := a.issuer.Issue(ctx, *user, models.PlanFor(models.PlanTier(tier)), *name)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Store this key now; it cannot be shown again.")
		return a.print(issued)

	case "revoke":
		if *id == "" {
			return errors.New("-id is required")
		}
		return a.issuer.Revoke(ctx, *user, *id)

	case "list":
		keys, err := a.issuer.List(ctx, *user)
		if err != nil {
			return err
		}
		return a.print(keys)

	case "add-provider-key":
		if *provider == "" {
			return errors.New("-provider is required")
		}
		key, err := readSecret(*secret, a.in)
		if err != nil {
			return err
		}
		info, err := a.keyring.Store(ctx, *user, *provider, *name, key)
		if err != nil {
			return err
		}
		return a.print(info)

	case "revoke-provider-key":
		if *id == "" {
			return errors.New("-id is required")
		}
		return a.keyring.Revoke(ctx, *user, *id)

	case "list-provider-keys":
		keys, err := a.keyring.List(ctx, *user)
		if err != nil {
			return err
		}
		return a.print(keys)
	}

	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

// readSecret reads the first line of in. Keys passed on the command line are
// refused.
func readSecret(source string, in io.Reader) (string, error) {
	if source != "-" {
		return "", errors.New(`-key only accepts "-"; pipe the key on stdin`)
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("no key on stdin")
	}
	return key, nil
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keyctl <issue|revoke|list|add-provider-key|revoke-provider-key|list-provider-keys> -user <id> [flags]")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "keyctl:", err)
	os.Exit(1)
}
