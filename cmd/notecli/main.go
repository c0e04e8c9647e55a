// notecli is a small operator CLI for a relay node: publish notes, fetch
// or stream them for a tag, and manage the local client database.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/client"
	"github.com/notewire/noterelay/internal/client/clientdb"
	"github.com/notewire/noterelay/internal/config"
	"github.com/notewire/noterelay/internal/note"
)

const usage = `usage: notecli [-config FILE] COMMAND [ARGS]

Commands:
  init               write a fresh client config and database
  send TAG DETAILS   publish DETAILS (a string) to TAG
  fetch TAG          fetch new notes for TAG
  stream TAG         follow TAG until interrupted
  stats              print client database counters
  cleanup DAYS       drop local records older than DAYS
`

func main() {
	configPath := flag.String("config", "notecli.yaml", "path to client config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*configPath, args[0], args[1:]); err != nil {
		log.Error().Err(err).Msg(args[0] + " failed")
		os.Exit(1)
	}
}

func run(configPath, cmd string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return err
	}

	if cmd == "init" {
		return cmdInit(ctx, configPath, cfg)
	}

	db, err := clientdb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	transport := client.NewHTTPTransport(cfg.Endpoint, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	cl := client.New(transport, db)

	switch cmd {
	case "send":
		return cmdSend(ctx, cl, args)
	case "fetch":
		return cmdFetch(ctx, cl, args)
	case "stream":
		return cmdStream(ctx, cl, args)
	case "stats":
		return cmdStats(ctx, cl)
	case "cleanup":
		return cmdCleanup(ctx, cl, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdInit(ctx context.Context, configPath string, cfg config.Client) error {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if err := config.WriteClient(configPath, cfg); err != nil {
		return err
	}

	db, err := clientdb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("client %s initialized (config %s, database %s)\n",
		cfg.ClientID, configPath, cfg.DatabaseURL)
	return nil
}

func cmdSend(ctx context.Context, cl *client.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("send wants TAG and DETAILS")
	}
	tag, err := parseTag(args[0])
	if err != nil {
		return err
	}

	details := []byte(args[1])
	id := note.ID(sha256.Sum256(details))
	n := note.Note{
		Header:  note.EncodeHeader(id, tag, nil),
		Details: details,
	}

	if err := cl.Send(ctx, n); err != nil {
		return err
	}
	fmt.Printf("sent %s to tag %d (%d bytes)\n", hex.EncodeToString(id[:8]), tag, len(details))
	return nil
}

func cmdFetch(ctx context.Context, cl *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("fetch wants TAG")
	}
	tag, err := parseTag(args[0])
	if err != nil {
		return err
	}

	if err := cl.RestoreCursors(ctx, []note.Tag{tag}); err != nil {
		return err
	}

	notes, err := cl.Fetch(ctx, tag)
	if err != nil {
		return err
	}

	printNotes(notes)
	fmt.Printf("%d new note(s), cursor %d\n", len(notes), cl.Cursor(tag))
	return nil
}

func cmdStream(ctx context.Context, cl *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("stream wants TAG")
	}
	tag, err := parseTag(args[0])
	if err != nil {
		return err
	}

	if err := cl.RestoreCursors(ctx, []note.Tag{tag}); err != nil {
		return err
	}

	log.Info().Uint32("tag", tag).Msg("streaming, ^C to stop")
	err = cl.Stream(ctx, tag, func(notes []note.StoredNote) error {
		printNotes(notes)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func cmdStats(ctx context.Context, cl *client.Client) error {
	st, err := cl.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fetched notes: %d\nstored notes:  %d\n", st.FetchedNotes, st.StoredNotes)
	return nil
}

func cmdCleanup(ctx context.Context, cl *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cleanup wants DAYS")
	}
	days, err := strconv.Atoi(args[0])
	if err != nil || days < 0 {
		return fmt.Errorf("invalid DAYS %q", args[0])
	}

	deleted, err := cl.CleanupOld(ctx, days)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d record(s)\n", deleted)
	return nil
}

func parseTag(s string) (note.Tag, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid tag %q", s)
	}
	return note.Tag(v), nil
}

func printNotes(notes []note.StoredNote) {
	for _, n := range notes {
		fmt.Printf("%s  tag=%d  %d bytes  %s\n",
			hex.EncodeToString(n.ID[:8]), n.Tag, len(n.Details),
			n.CreatedAt.Format(time.RFC3339))
	}
}
