// rulectl is the operator CLI for the gateway management API: mint
// access tokens, inspect apps and rules, provision tenants.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"rulegate/pkg/auth"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "token":
		return tokenCmd(args[1:], out)
	case "app":
		return appCmd(args[1:], out)
	case "rules":
		return rulesCmd(args[1:], out)
	case "provision":
		return provisionCmd(args[1:], out)
	case "rotate-key":
		return rotateKeyCmd(args[1:], out)
	case "session":
		return sessionCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "rulectl commands:")
	fmt.Fprintln(out, "  token --secret <s> --user <name> --roles manager [--ttl 1h]")
	fmt.Fprintln(out, "  app --base <url> --app <slug> --token <t>")
	fmt.Fprintln(out, "  rules --base <url> --app <slug> --token <t>")
	fmt.Fprintln(out, "  provision --base <url> --token <t> --slug <slug> [--entry <url>] [--backend cookie|jwt|none]")
	fmt.Fprintln(out, "  rotate-key --base <url> --app <slug> --token <t>")
	fmt.Fprintln(out, "  session --base <url> --app <slug> --token <t> --user <name>")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func apiFlags(fs *flag.FlagSet) (base, app, token *string) {
	base = fs.String("base", "http://localhost:8080", "gateway base URL")
	app = fs.String("app", "", "app slug")
	token = fs.String("token", "", "management bearer token")
	return base, app, token
}

func tokenCmd(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	secret := fs.String("secret", "", "HS256 signing secret")
	user := fs.String("user", "", "subject username")
	roles := fs.String("roles", "manager", "comma-separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *user == "" {
		return errors.New("secret and user required")
	}
	now := time.Now()
	token, err := auth.IssueHS256Token(auth.TokenClaims{
		Username: *user,
		Roles:    strings.Split(*roles, ","),
		Iat:      now.Unix(),
		Exp:      now.Add(*ttl).Unix(),
	}, *secret)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func appCmd(args []string, out io.Writer) error {
	fs := newFlagSet("app")
	base, app, token := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return errors.New("app required")
	}
	return callAPI(out, http.MethodGet, *base, "/proxy/", *app, *token, nil)
}

func rulesCmd(args []string, out io.Writer) error {
	fs := newFlagSet("rules")
	base, app, token := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return errors.New("app required")
	}
	return callAPI(out, http.MethodGet, *base, "/proxy/rules", *app, *token, nil)
}

func provisionCmd(args []string, out io.Writer) error {
	fs := newFlagSet("provision")
	base, app, token := apiFlags(fs)
	slug := fs.String("slug", "", "slug for the new app")
	entry := fs.String("entry", "", "entry point URL")
	backend := fs.String("backend", "cookie", "session backend")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *slug == "" {
		return errors.New("slug required")
	}
	body, err := json.Marshal(map[string]string{
		"slug":            *slug,
		"entry_point":     *entry,
		"session_backend": *backend,
	})
	if err != nil {
		return err
	}
	return callAPI(out, http.MethodPost, *base, "/proxy/apps", *app, *token, strings.NewReader(string(body)))
}

func rotateKeyCmd(args []string, out io.Writer) error {
	fs := newFlagSet("rotate-key")
	base, app, token := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return errors.New("app required")
	}
	return callAPI(out, http.MethodPost, *base, "/proxy/key", *app, *token, nil)
}

func sessionCmd(args []string, out io.Writer) error {
	fs := newFlagSet("session")
	base, app, token := apiFlags(fs)
	user := fs.String("user", "", "username to preview")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *app == "" || *user == "" {
		return errors.New("app and user required")
	}
	return callAPI(out, http.MethodGet, *base, "/proxy/sessions/"+*user, *app, *token, nil)
}

// callAPI issues one management request. The app slug rides in the
// Host header, which is how the gateway resolves the tenant.
func callAPI(out io.Writer, method, base, path, app, token string, body io.Reader) error {
	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, body)
	if err != nil {
		return err
	}
	if app != "" {
		req.Host = app + ".gateway.internal"
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var pretty any
	if json.Unmarshal(raw, &pretty) == nil {
		formatted, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			fmt.Fprintln(out, string(formatted))
			return nil
		}
	}
	fmt.Fprintln(out, strings.TrimSpace(string(raw)))
	return nil
}
