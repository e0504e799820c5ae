// Command gossipd is the engine's entrypoint: it resolves a profile
// directory, opens Storage, wires the Picker, Processor, Overlord and
// seekers together, and either runs the engine or serves one of the
// small CLI subcommands used for inspecting a profile without starting
// the network, grounded on the teacher's cmd/replicatrd/main.go flag
// and wiring pattern.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/mikedilger/gossip/config"
	"github.com/mikedilger/gossip/nostr/event"
	"github.com/mikedilger/gossip/nostr/eventid"
	"github.com/mikedilger/gossip/nostr/filter"
	"github.com/mikedilger/gossip/nostr/signer"
	"github.com/mikedilger/gossip/nostr/timestamp"
	"github.com/mikedilger/gossip/overlord"
	"github.com/mikedilger/gossip/picker"
	"github.com/mikedilger/gossip/processor"
	"github.com/mikedilger/gossip/seekers"
	"github.com/mikedilger/gossip/storage"
	"github.com/mikedilger/gossip/xlog"
)

var log, chk = xlog.New(os.Stderr)

func main() {
	cfg := config.Default()
	arg.MustParse(cfg)

	profileDir, err := cfg.ProfileDir()
	if err != nil {
		log.F.Ln(err)
		os.Exit(1)
	}
	if err := cfg.Load(profileDir); chk.E(err) {
		os.Exit(1)
	}
	applyLogLevel(cfg.LogLevel)

	store, err := storage.Open(profileDir)
	if chk.E(err) {
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case cfg.PrintEventCmd != nil:
		os.Exit(runPrintEvent(store, cfg.PrintEventCmd))
	case cfg.PrintRelayCmd != nil:
		os.Exit(runPrintRelay(store, cfg.PrintRelayCmd))
	case cfg.PrintPersonCmd != nil:
		os.Exit(runPrintPerson(store, cfg.PrintPersonCmd))
	case cfg.RebuildIndicesCmd != nil:
		os.Exit(runRebuildIndices(store))
	case cfg.ImportEventCmd != nil:
		os.Exit(runImportEvent(store, cfg.ImportEventCmd))
	case cfg.VerifyJSONCmd != nil:
		os.Exit(runVerifyJSON(cfg.VerifyJSONCmd))
	case cfg.Bech32DecodeCmd != nil:
		os.Exit(runBech32Decode(cfg.Bech32DecodeCmd))
	case cfg.ReprocessCmd != nil:
		os.Exit(runReprocessRecent(store, cfg.ReprocessCmd))
	}

	if err := cfg.Save(profileDir); chk.E(err) {
		os.Exit(1)
	}
	runEngine(store, cfg)
}

func applyLogLevel(level string) {
	switch level {
	case "off":
		xlog.SetLevel(xlog.Off)
	case "fatal":
		xlog.SetLevel(xlog.Fatal)
	case "error":
		xlog.SetLevel(xlog.Error)
	case "warn":
		xlog.SetLevel(xlog.Warn)
	case "info":
		xlog.SetLevel(xlog.Info)
	case "debug":
		xlog.SetLevel(xlog.Debug)
	case "trace":
		xlog.SetLevel(xlog.Trace)
	}
}

// runEngine wires up and runs the Overlord, the Picker and the
// seekers, connects to the configured seed relays, and blocks until a
// termination signal arrives.
func runEngine(store *storage.Backend, cfg *config.Config) {
	sgnr, err := loadOrCreateIdentity(store, cfg)
	if err != nil {
		log.F.Ln(err)
		os.Exit(1)
	}

	settings, err := store.GetSettings()
	if chk.E(err) {
		os.Exit(1)
	}
	if cfg.RelaysPerPerson > 0 {
		settings.RelaysPerPerson = cfg.RelaysPerPerson
	}
	if cfg.MaxRelays > 0 {
		settings.MaxRelays = cfg.MaxRelays
	}
	settings.SpamSafeOnly = cfg.SpamSafeOnly
	if err := store.PutSettings(settings); chk.E(err) {
		os.Exit(1)
	}

	pk := picker.New(store, picker.Config{
		RelaysPerPerson: settings.RelaysPerPerson,
		MaxRelays:       settings.MaxRelays,
		SpamSafeOnly:    settings.SpamSafeOnly,
	})

	ovl := overlord.New(store, pk, nil, sgnr)
	proc := processor.New(store, processor.AllowAll{}, ovl, ovl)
	ovl.SetProcessor(proc)

	sk := seekers.New(store, ovl, seekers.Config{})
	ovl.OnSeekRequested(sk.WantEvent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ovl.Run(ctx)
	go sk.Run(ctx)

	for _, url := range cfg.SeedRelays {
		ovl.Post(overlord.RelayConnect{URL: url})
	}

	go drainNotifications(ctx, ovl)

	<-ctx.Done()
	log.I.Ln("shutting down")
	ovl.Post(overlord.Shutdown{})
	sk.Stop()
}

func drainNotifications(ctx context.Context, ovl *overlord.O) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ovl.Notifications():
			log.D.F("%s %s %s %s", n.Kind, n.EventID, n.RelayURL, n.Message)
		}
	}
}

// loadOrCreateIdentity resolves the signing key from the config flag,
// or generates and saves a fresh one on a brand new profile.
func loadOrCreateIdentity(store *storage.Backend, cfg *config.Config) (signer.I, error) {
	if cfg.SecKey != "" {
		return signer.NewPlain(cfg.SecKey)
	}
	sk, err := signer.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg.SecKey = sk
	profileDir, err := cfg.ProfileDir()
	if err != nil {
		return nil, err
	}
	if err := cfg.Save(profileDir); err != nil {
		return nil, err
	}
	log.I.Ln("generated a new identity for this profile")
	return signer.NewPlain(sk)
}

func runPrintEvent(store *storage.Backend, c *config.PrintEventCmd) int {
	id, err := eventid.New(c.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ev, err := store.GetEvent(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printJSON(ev)
}

func runPrintRelay(store *storage.Backend, c *config.PrintRelayCmd) int {
	r, err := store.GetRelay(c.URL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printJSON(r)
}

func runPrintPerson(store *storage.Backend, c *config.PrintPersonCmd) int {
	p, err := store.GetPerson(c.Pubkey)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printJSON(p)
}

// runRebuildIndices replays every stored event back through SaveEvent,
// which recomputes and overwrites that event's index keys; it does not
// remove stale keys left by a since-changed indexing scheme, which
// requires a full wipe and reimport instead.
func runRebuildIndices(store *storage.Backend) int {
	n, err := store.QueryEvents(context.Background(), &filter.T{}, 1<<30)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, ev := range n {
		if err := store.SaveEvent(context.Background(), ev); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	fmt.Printf("reindexed %d events\n", len(n))
	return 0
}

func runReprocessRecent(store *storage.Backend, c *config.ReprocessRecentCmd) int {
	proc := processor.New(store, processor.AllowAll{}, processor.NopSeeker{}, processor.NopNotifier{})
	since := timestamp.Now() - timestamp.T(c.Seconds)
	events, err := store.QueryEvents(context.Background(), &filter.T{Since: &since}, 1<<30)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, ev := range events {
		if _, err := proc.Process(context.Background(), ev, "local-reprocess", ""); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	fmt.Printf("reprocessed %d events\n", len(events))
	return 0
}

func runImportEvent(store *storage.Backend, c *config.ImportEventCmd) int {
	ev := &event.T{}
	if err := json.Unmarshal([]byte(c.JSON), ev); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	proc := processor.New(store, processor.AllowAll{}, processor.NopSeeker{}, processor.NopNotifier{})
	if _, err := proc.Process(context.Background(), ev, c.SourceRelay, ""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runVerifyJSON(c *config.VerifyJSONCmd) int {
	ev := &event.T{}
	if err := json.Unmarshal([]byte(c.JSON), ev); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if got := ev.GetID(); got != ev.ID {
		fmt.Fprintf(os.Stderr, "id mismatch: computed %s, got %s\n", got, ev.ID)
		return 1
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "signature invalid")
		return 1
	}
	fmt.Println("ok")
	return 0
}

func runBech32Decode(c *config.Bech32DecodeCmd) int {
	hrp, data5, err := bech32.Decode(c.Value)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	data8, err := bech32.ConvertBits(data5, 5, 8, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("%s %x\n", hrp, data8)
	return 0
}

func printJSON(v any) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(string(b))
	return 0
}
