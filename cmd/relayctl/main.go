// relayctl is the operator CLI: token minting, welcome-message import,
// schema migration, and history inspection. It goes through the same
// store and token scheme as the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	pttrelay "github.com/snarg/ptt-relay"
	"github.com/snarg/ptt-relay/internal/auth"
	"github.com/snarg/ptt-relay/internal/database"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	ctx := context.Background()

	switch os.Args[1] {
	case "mint-token":
		mintToken(os.Args[2:])
	case "create-user":
		createUser(ctx, log, os.Args[2:])
	case "add-welcome":
		addWelcome(ctx, log, os.Args[2:])
	case "migrate":
		migrate(ctx, log)
	case "history":
		history(ctx, log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relayctl <command> [flags]

commands:
  mint-token   -user <id> -username <name> [-ttl 24h]   mint an access token (TOKEN_SECRET env)
  create-user  -username <name>                         create an account row
  add-welcome  -name <n> -file <f> -trigger <t> [-channel <c>]  register a welcome message
  migrate                                               apply schema + migrations
  history      -channel <id> [-limit 10] [-age 300]     print a channel's retained history

DATABASE_URL must be set for all commands except mint-token.`)
}

func connect(ctx context.Context, log zerolog.Logger) *database.DB {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := database.Connect(ctx, database.Options{URL: url}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connect: %v\n", err)
		os.Exit(1)
	}
	return db
}

func mintToken(args []string) {
	fs := flag.NewFlagSet("mint-token", flag.ExitOnError)
	userID := fs.Int64("user", 0, "account id (sub claim)")
	username := fs.String("username", "", "account username")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	secret := os.Getenv("TOKEN_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "TOKEN_SECRET is not set")
		os.Exit(1)
	}
	if *userID == 0 || *username == "" {
		fmt.Fprintln(os.Stderr, "-user and -username are required")
		os.Exit(1)
	}

	token, err := auth.MintAccessToken(secret, *userID, *username, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func createUser(ctx context.Context, log zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	username := fs.String("username", "", "account username")
	fs.Parse(args)

	if *username == "" {
		fmt.Fprintln(os.Stderr, "-username is required")
		os.Exit(1)
	}

	db := connect(ctx, log)
	defer db.Close()

	id, err := db.CreateUser(ctx, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created user %d (%s)\n", id, *username)
}

func addWelcome(ctx context.Context, log zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("add-welcome", flag.ExitOnError)
	name := fs.String("name", "", "display name for the welcome message")
	file := fs.String("file", "", "audio file name inside WELCOME_AUDIO_DIR")
	trigger := fs.String("trigger", "connect", "trigger type: connect, channel_join, both")
	channel := fs.String("channel", "", "pin to a channel (empty = all channels)")
	fs.Parse(args)

	if *name == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "-name and -file are required")
		os.Exit(1)
	}
	switch *trigger {
	case "connect", "channel_join", "both":
	default:
		fmt.Fprintf(os.Stderr, "invalid trigger %q\n", *trigger)
		os.Exit(1)
	}

	db := connect(ctx, log)
	defer db.Close()

	var ch *string
	if *channel != "" {
		ch = channel
	}
	id, err := db.InsertWelcomeMessage(ctx, *name, filepath.Base(*file), *trigger, ch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "add welcome: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("welcome message %d registered (%s, trigger=%s)\n", id, *name, *trigger)
}

func migrate(ctx context.Context, log zerolog.Logger) {
	db := connect(ctx, log)
	defer db.Close()

	if err := db.Bootstrap(ctx, pttrelay.SchemaSQL); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("schema up to date")
}

func history(ctx context.Context, log zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	channel := fs.String("channel", "", "channel id")
	limit := fs.Int("limit", 10, "max rows")
	age := fs.Int("age", 300, "max age in seconds")
	fs.Parse(args)

	if *channel == "" {
		fmt.Fprintln(os.Stderr, "-channel is required")
		os.Exit(1)
	}

	db := connect(ctx, log)
	defer db.Close()

	rows, err := db.ChannelHistory(ctx, *channel, *limit, time.Duration(*age)*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%-6s %-20s %-8s %-10s %s\n", "id", "screen_name", "codec", "duration", "timestamp")
	for _, m := range rows {
		fmt.Printf("%-6d %-20s %-8s %-10s %s\n",
			m.ID, m.ScreenName, m.Codec,
			fmt.Sprintf("%dms", m.DurationMS),
			time.UnixMilli(m.Timestamp).Format(time.RFC3339),
		)
	}
	fmt.Printf("%d message(s)\n", len(rows))
}
