// Command poller is the local Drive side of the notifier. It signs a Google
// account in, polls the Drive change feed and forwards new shares to the
// webhook.
//
//	poller login      print the sign-in URL and store the token from the redirect
//	poller logout     revoke and forget the token
//	poller status     show whether the stored session is still valid
//	poller shared     list the most recently shared files
//	poller watch      poll for changes and forward them until interrupted
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/jun/gdrive-notifier/internal/app"
	"github.com/jun/gdrive-notifier/internal/crypto"
	"github.com/jun/gdrive-notifier/internal/drivewatch"
	"github.com/jun/gdrive-notifier/internal/kv/file"
	"github.com/jun/gdrive-notifier/internal/logging"
	"github.com/jun/gdrive-notifier/internal/secret"
)

const defaultAPIKeyParam = "/gdrive-notifier/api-key"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env")
	}
	logging.Init()

	stateFile := flag.String("state", envOr("STATE_FILE", defaultStateFile()), "path of the persistent state file")
	interval := flag.Duration("interval", envDuration("POLL_INTERVAL", time.Minute), "poll interval for watch")
	pageSize := flag.Int("n", drivewatch.DefaultPageSize, "number of files for shared")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: poller [flags] login|logout|status|shared|watch\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := drivewatch.New(drivewatch.Options{
		ClientID:    os.Getenv("GOOGLE_CLIENT_ID"),
		RedirectURL: envOr("GOOGLE_REDIRECT_URI", "http://localhost:8080/callback"),
		Store:       file.NewStore(*stateFile),
		Sealer:      newSealer(ctx),
		Listener: func(ok bool) {
			if ok {
				log.Info().Msg("Google Drive connected")
			} else {
				log.Info().Msg("Google Drive disconnected")
			}
		},
	})

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "login":
		err = login(ctx, client)
	case "logout":
		client.SignOut(ctx)
	case "status":
		err = status(ctx, client)
	case "shared":
		err = shared(ctx, client, *pageSize)
	case "watch":
		err = watch(ctx, client, newForwarder(ctx), *interval)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func login(ctx context.Context, client *drivewatch.Client) error {
	fmt.Println("Open this URL in a browser and approve access:")
	fmt.Println()
	fmt.Println(client.SignIn())
	fmt.Println()
	fmt.Print("Paste the full URL you were redirected to: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read redirect url: %w", err)
	}
	if err := client.CompleteSignIn(ctx, line); err != nil {
		return err
	}
	if _, err := client.StartChangeDetection(ctx); err != nil {
		return err
	}
	fmt.Println("Signed in.")
	return nil
}

func status(ctx context.Context, client *drivewatch.Client) error {
	if !client.IsAuthenticated(ctx) {
		fmt.Println("Not signed in.")
		return nil
	}
	s, err := client.Session(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s <%s> since %s\n", s.UserName, s.UserEmail, s.AuthTimestamp.Format(time.RFC3339))
	return nil
}

func shared(ctx context.Context, client *drivewatch.Client, n int) error {
	files, err := client.GetRecentSharedFiles(ctx, n)
	if err != nil {
		return err
	}
	for _, f := range files {
		by := ""
		if f.SharingUser != nil {
			by = f.SharingUser.EmailAddress
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", f.SharedWithMeTime, f.Name, by, f.WebViewLink)
	}
	return nil
}

// newSealer uses KMS when TOKEN_KMS_KEY_ID is set and the tagging mock
// otherwise.
func newSealer(ctx context.Context) crypto.Sealer {
	keyID := os.Getenv("TOKEN_KMS_KEY_ID")
	if keyID == "" {
		return crypto.NewMockSealer()
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to load AWS config for KMS")
	}
	return crypto.NewKMSSealer(kms.NewFromConfig(awsCfg), keyID)
}

// newForwarder reads WEBHOOK_URL and the webhook key. The key comes from
// WEBHOOK_API_KEY or, failing that, the configured secret backend.
func newForwarder(ctx context.Context) *drivewatch.Forwarder {
	webhookURL := os.Getenv("WEBHOOK_URL")
	if webhookURL == "" {
		log.Fatal().Msg("WEBHOOK_URL is required for watch")
	}

	var resolver secret.Resolver = secret.NewEnvResolver()
	if os.Getenv("WEBHOOK_API_KEY") == "" && os.Getenv("DEV_MODE") != "true" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Unable to load AWS config")
		}
		resolver = app.NewResolver(awsCfg, false)
	}
	apiKey, err := secret.Lookup(ctx, resolver, "WEBHOOK_API_KEY", envOr("API_KEY_PARAM", defaultAPIKeyParam))
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to resolve webhook API key")
	}
	return drivewatch.NewForwarder(webhookURL, apiKey, nil)
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "gdrive-notifier-state.json"
	}
	return filepath.Join(dir, "gdrive-notifier", "state.json")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str(key, v).Msg("Invalid duration, using default")
		return def
	}
	return d
}
