package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dgellow/fieldcapture-auth/internal"
	"github.com/dgellow/fieldcapture-auth/internal/apiclient"
	"github.com/dgellow/fieldcapture-auth/internal/config"
	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/log"
)

var BuildVersion = "dev"

const usage = `Usage: fieldcapture-auth [flags] <command>

Commands:
  signin          sign in interactively
  signout         sign out and clear cached state
  token           print a valid access token (refreshing silently if needed)
  whoami          print the signed-in account
  complete <url>  finish a web sign-in from the URL the browser returned to
  unread          poll the backend once and print the unread count
  poll            keep the unread badge fresh until interrupted

Flags:
`

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.Version,
		"surface": "native",
		"identity": map[string]any{
			"discoveryUrl":   "https://login.yourcompany.com/.well-known/openid-configuration",
			"clientId":       map[string]string{"$env": "FIELDCAPTURE_CLIENT_ID"},
			"scopes":         []string{"openid", "email", "profile", "offline_access"},
			"providerLogout": false,
		},
		"storage": map[string]any{
			"kind":          "sqlite",
			"path":          "fieldcapture-session.db",
			"encryptionKey": map[string]string{"$env": "FIELDCAPTURE_ENCRYPTION_KEY"},
		},
		"backend": map[string]any{
			"baseUrl": "https://api.yourcompany.com",
			"timeout": "30s",
		},
		"poller": map[string]any{
			"period": "1m",
		},
		"expiryBuffer":    "5m",
		"callbackTimeout": "5m",
		"loopbackAddr":    config.DefaultLoopbackAddr,
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(w io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(w, "Validating: %s\n", path)

	printIssues := func(title string, issues []config.ValidationError) {
		if len(issues) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Path != "" {
				fmt.Fprintf(w, "  - %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Fprintf(w, "  - %s\n", issue.Message)
			}
		}
	}
	printIssues("Errors", result.Errors)
	printIssues("Warnings", result.Warnings)

	fmt.Fprintln(w)
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Fprintln(w, "Result: PASS")
		return nil
	case len(result.Errors) == 0:
		fmt.Fprintln(w, "Result: FAIL (warnings present)")
	default:
		fmt.Fprintln(w, "Result: FAIL")
	}
	return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

// run executes one command against app and writes its result to w.
func run(ctx context.Context, app *internal.App, w io.Writer, args []string) error {
	facade := app.Facade()

	switch args[0] {
	case "signin":
		account, err := facade.SignIn(ctx)
		if errors.Is(err, flow.ErrRedirectStarted) {
			fmt.Fprintln(w, "Continue in the browser, then run: fieldcapture-auth complete '<url>'")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Signed in as %s\n", describe(account.DisplayName, account.Email))
		return nil

	case "complete":
		if len(args) < 2 {
			return fmt.Errorf("complete needs the URL the browser returned to")
		}
		account, err := facade.Boot(ctx, args[1])
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("not signed in")
		}
		fmt.Fprintf(w, "Signed in as %s\n", describe(account.DisplayName, account.Email))
		return nil

	case "signout":
		if err := facade.SignOut(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "Signed out")
		return nil

	case "token":
		tok := facade.GetValidToken(ctx)
		if tok == "" {
			return apiclient.ErrReauthRequired
		}
		fmt.Fprintln(w, tok)
		return nil

	case "whoami":
		account, err := facade.Boot(ctx, "")
		if err != nil {
			return err
		}
		if account == nil {
			if facade.Store().SessionExpired(ctx) {
				fmt.Fprintln(w, "Session expired, please sign in again")
			} else {
				fmt.Fprintln(w, "Not signed in")
			}
			return nil
		}
		fmt.Fprintln(w, describe(account.DisplayName, account.Email))
		return nil

	case "unread":
		n, ok, err := app.RefreshUnread(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "-")
			return nil
		}
		fmt.Fprintln(w, n)
		return nil

	case "poll":
		return app.Run(ctx)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func describe(name, email string) string {
	switch {
	case name != "" && email != "" && name != email:
		return fmt.Sprintf("%s <%s>", name, email)
	case email != "":
		return email
	case name != "":
		return name
	default:
		return "(unknown account)"
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	conf := flag.String("config", "", "path to config file (defaults to FIELDCAPTURE_* environment variables)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	envFile := flag.String("env-file", "", "comma-separated dotenv files to load before reading config")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *envFile != "" {
		if err := config.LoadEnvFiles(strings.Split(*envFile, ",")...); err != nil {
			log.LogError("Failed to load env file: %v", err)
			os.Exit(1)
		}
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(os.Stdout, *conf); err != nil {
			os.Exit(1)
		}
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: a command is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(2)
	}

	cfg, err := loadConfig(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogDebugWithFields("main", "Starting fieldcapture-auth", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
		"command": args[0],
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := internal.NewApp(ctx, cfg)
	if err != nil {
		log.LogError("Failed to start: %v", err)
		os.Exit(1)
	}

	err = run(ctx, app, os.Stdout, args)
	if closeErr := app.Close(); closeErr != nil {
		log.LogWarn("Shutdown: %v", closeErr)
	}
	if err != nil {
		if errors.Is(err, apiclient.ErrReauthRequired) {
			fmt.Fprintln(os.Stderr, "Not signed in. Run: fieldcapture-auth signin")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
