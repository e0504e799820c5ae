// Package config is the profile-scoped settings layer: CLI flags via
// go-arg, a JSON file on disk for the values that persist between
// runs, and the PROFILE_DIR/PROFILE_NAME environment override, all
// grounded on the teacher's own pkg/config/base layout.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/mikedilger/gossip/xlog"
)

var log, chk = xlog.New(os.Stderr)

// PrintEventCmd prints one stored event as JSON to stdout.
type PrintEventCmd struct {
	ID string `arg:"positional,required"`
}

// PrintRelayCmd prints one stored relay record as JSON to stdout.
type PrintRelayCmd struct {
	URL string `arg:"positional,required"`
}

// PrintPersonCmd prints one stored person record as JSON to stdout.
type PrintPersonCmd struct {
	Pubkey string `arg:"positional,required"`
}

// RebuildIndicesCmd drops and recomputes every derived index from the
// event store's primary records.
type RebuildIndicesCmd struct{}

// ReprocessRecentCmd re-runs the processing pipeline over the last N
// seconds of already-stored events, without touching the network.
type ReprocessRecentCmd struct {
	Seconds int64 `arg:"positional" default:"86400"`
}

// ImportEventCmd reads one event as JSON, verifies it and stores it as
// though it had just arrived from SourceRelay.
type ImportEventCmd struct {
	JSON        string `arg:"positional,required"`
	SourceRelay string `arg:"--from" default:"local-import"`
}

// VerifyJSONCmd checks an event's id hash and signature without
// storing it.
type VerifyJSONCmd struct {
	JSON string `arg:"positional,required"`
}

// Bech32DecodeCmd decodes an npub/nsec/note/nprofile/nevent/naddr
// string and prints the decoded payload.
type Bech32DecodeCmd struct {
	Value string `arg:"positional,required"`
}

// Config is the full set of settings the engine reads, combining
// command-line flags, the on-disk profile file and defaults.
type Config struct {
	PrintEventCmd      *PrintEventCmd      `arg:"subcommand:print_event" json:"-"`
	PrintRelayCmd      *PrintRelayCmd      `arg:"subcommand:print_relay" json:"-"`
	PrintPersonCmd     *PrintPersonCmd     `arg:"subcommand:print_person" json:"-"`
	RebuildIndicesCmd  *RebuildIndicesCmd  `arg:"subcommand:rebuild_indices" json:"-"`
	ReprocessCmd       *ReprocessRecentCmd `arg:"subcommand:reprocess_recent" json:"-"`
	ImportEventCmd     *ImportEventCmd     `arg:"subcommand:import_event" json:"-"`
	VerifyJSONCmd      *VerifyJSONCmd      `arg:"subcommand:verify_json" json:"-"`
	Bech32DecodeCmd    *Bech32DecodeCmd    `arg:"subcommand:bech32_decode" json:"-"`

	Profile  string `arg:"-p,--profile" json:"-" help:"profile subdirectory name under the data directory"`
	DataDir  string `arg:"--datadir" json:"-" help:"base directory holding all profiles"`
	SecKey   string `arg:"-s,--seckey" json:"seckey" help:"identity private key, hex; generated and saved on first run if empty"`
	LogLevel string `arg:"--loglevel" json:"log_level" help:"off,fatal,error,warn,info,debug,trace"`

	// RelaysPerPerson and MaxRelays mirror storage.GeneralSettings: when
	// the engine starts, these values are written back to settings.json
	// and, when positive, copied into GeneralSettings.
	RelaysPerPerson int  `arg:"-N,--relays-per-person" json:"relays_per_person" help:"desired number of relays covering each followed person"`
	MaxRelays       int  `arg:"-M,--max-relays" json:"max_relays" help:"maximum number of relays followed concurrently"`
	SpamSafeOnly    bool `arg:"--spamsafe" json:"spam_safe_only" help:"restrict non-followed-author events to SpamSafe relays"`

	SeedRelays []string `arg:"--seed,separate" json:"seed_relays" help:"relay URLs to connect to on first run, before any relay list is known"`
}

// Default returns the configuration a brand new profile starts with.
func Default() *Config {
	return &Config{
		Profile:         "default",
		LogLevel:        "info",
		RelaysPerPerson: 2,
		MaxRelays:       25,
		SeedRelays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
		},
	}
}

// ProfileDir resolves the directory a profile's database lives in,
// honoring the PROFILE_DIR and PROFILE_NAME environment overrides
// ahead of the command-line flags.
func (c *Config) ProfileDir() (string, error) {
	base := c.DataDir
	if v := os.Getenv("PROFILE_DIR"); v != "" {
		base = v
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".gossip")
	}
	name := c.Profile
	if v := os.Getenv("PROFILE_NAME"); v != "" {
		name = v
	}
	if name == "" {
		name = "default"
	}
	return filepath.Join(base, name), nil
}

func settingsPath(profileDir string) string { return filepath.Join(profileDir, "settings.json") }

// Save writes the persistent fields (everything json-tagged) to
// settings.json inside profileDir.
func (c *Config) Save(profileDir string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil config")
		log.E.Ln(err)
		return
	}
	if err = os.MkdirAll(profileDir, 0700); chk.E(err) {
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.WriteFile(settingsPath(profileDir), b, 0600); chk.E(err) {
		return
	}
	return
}

// Load reads settings.json from profileDir, merging it over whatever
// defaults and flags c already carries; a missing file is not an
// error, since a brand new profile has none yet.
func (c *Config) Load(profileDir string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	b, err = os.ReadFile(settingsPath(profileDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if chk.E(err) {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return
	}
	return
}
