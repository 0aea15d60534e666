package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/darshitp091/Defence-Engine/internal/app"
	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/digest"
	"github.com/darshitp091/Defence-Engine/internal/license"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/workers"
	"github.com/darshitp091/Defence-Engine/pkg/contracts"
	"github.com/darshitp091/Defence-Engine/pkg/contracts/domain"
)

var errUsage = errors.New("usage")

const engineStopTimeout = 5 * time.Second

// cli holds what the subcommands share. Engine and ledger open lazily so
// that hash commands never touch the store and license commands never
// start workers.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	engine *workers.Engine
	ledger *license.Ledger
}

func (c *cli) hashEngine(ctx context.Context) (*workers.Engine, error) {
	if c.engine != nil {
		return c.engine, nil
	}
	e, err := workers.NewEngine(c.cfg, c.logger, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		return nil, multierr.Append(err, e.Stop(engineStopTimeout))
	}
	c.engine = e
	return e, nil
}

func (c *cli) openLedger(ctx context.Context) (*license.Ledger, error) {
	if c.ledger != nil {
		return c.ledger, nil
	}
	l, err := app.OpenLedger(ctx, c.cfg, c.logger, nil)
	if err != nil {
		return nil, err
	}
	c.ledger = l
	return l, nil
}

func (c *cli) close() {
	if c.engine != nil {
		if err := c.engine.Stop(engineStopTimeout); err != nil {
			c.logger.Warn("hash engine stop failed", slog.String("error", err.Error()))
		}
	}
	if c.ledger != nil {
		if err := c.ledger.Close(); err != nil {
			c.logger.Warn("ledger close failed", slog.String("error", err.Error()))
		}
	}
}

func (c *cli) print(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newFlags returns a flag set whose errors are returned, not fatal.
func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// oneArg parses fs and requires exactly one positional argument.
func oneArg(fs *flag.FlagSet, args []string, what string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(fs.Output(), "%s takes exactly one %s\n", fs.Name(), what)
		return "", errUsage
	}
	return fs.Arg(0), nil
}

// metadataFlag collects repeated -meta key=value pairs.
type metadataFlag map[string]string

func (m metadataFlag) String() string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (m metadataFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("metadata must be key=value, got %q", s)
	}
	m[k] = v
	return nil
}

// licenseFlags are shared by issue and bulk.
type licenseFlags struct {
	expiresDays int
	noExpiry    bool
	maxUsage    uint64
	meta        metadataFlag
}

func (f *licenseFlags) register(fs *flag.FlagSet) {
	f.meta = metadataFlag{}
	fs.IntVar(&f.expiresDays, "expires-days", 0, "days until expiry (0 uses the ledger default)")
	fs.BoolVar(&f.noExpiry, "no-expiry", false, "issue a license that never expires")
	fs.Uint64Var(&f.maxUsage, "max-usage", 0, "maximum successful validations (0 is unlimited)")
	fs.Var(f.meta, "meta", "metadata key=value, repeatable")
}

func (f *licenseFlags) expiry(l *license.Ledger) (*time.Time, error) {
	switch {
	case f.noExpiry:
		return nil, nil
	case f.expiresDays < 0:
		return nil, fmt.Errorf("expires-days must not be negative")
	case f.expiresDays > 0:
		t := time.Now().UTC().AddDate(0, 0, f.expiresDays)
		return &t, nil
	default:
		return l.DefaultExpiry(), nil
	}
}

func (f *licenseFlags) usage() *uint64 {
	if f.maxUsage == 0 {
		return nil
	}
	n := f.maxUsage
	return &n
}

func (f *licenseFlags) metadata() map[string]string {
	if len(f.meta) == 0 {
		return nil
	}
	return f.meta
}

// licenseView is a record as printed, with its status and hex signature.
type licenseView struct {
	ID         string            `json:"id"`
	SubjectID  string            `json:"subject_id"`
	Status     license.Result    `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	UsageCount uint64            `json:"usage_count"`
	MaxUsage   *uint64           `json:"max_usage,omitempty"`
	Remaining  *uint64           `json:"remaining,omitempty"`
	Active     bool              `json:"active"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Integrity  string            `json:"integrity"`
	Signature  string            `json:"signature"`
}

func viewOf(r license.Record, status license.Result) licenseView {
	return licenseView{
		ID:         r.ID,
		SubjectID:  r.SubjectID,
		Status:     status,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		UsageCount: r.UsageCount,
		MaxUsage:   r.MaxUsage,
		Remaining:  r.Remaining(),
		Active:     r.Active,
		Metadata:   r.Metadata,
		Integrity:  r.Integrity,
		Signature:  hex.EncodeToString(r.Signature),
	}
}

type validationView struct {
	Result    license.Result `json:"result"`
	Remaining *uint64        `json:"remaining,omitempty"`
	License   *licenseView   `json:"license,omitempty"`
}

func printValidation(c *cli, v license.Validation) error {
	out := validationView{Result: v.Result, Remaining: v.Remaining}
	if v.Record != nil {
		view := viewOf(*v.Record, v.Result)
		out.License = &view
	}
	if err := c.print(out); err != nil {
		return err
	}
	if v.Result != license.ResultValid {
		return errNotValid
	}
	return nil
}

type hashView struct {
	Value  string   `json:"hash"`
	Epoch  uint64   `json:"epoch"`
	Layers []string `json:"layers,omitempty"`
}

func printHashes(c *cli, variant workers.Variant, hashes []obfuscation.ObfuscatedHash, elapsed time.Duration) error {
	views := make([]hashView, len(hashes))
	for i, h := range hashes {
		views[i] = hashView{Value: h.Encoded, Epoch: h.Epoch, Layers: h.Layers}
	}
	return c.print(struct {
		Variant workers.Variant `json:"variant"`
		Count   int             `json:"count"`
		Elapsed string          `json:"elapsed"`
		Hashes  []hashView      `json:"hashes"`
	}{variant, len(views), elapsed.String(), views})
}

func runGenerate(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("generate")
	count := fs.Int("count", 1, "number of hashes")
	variant := fs.String("variant", "standard", "standard | trap | challenge")
	seed := fs.String("seed", "", "seed for deterministic payloads (random when empty)")
	payload := fs.String("payload", "", "hash this payload once instead of generating")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v, err := workers.ParseVariant(*variant)
	if err != nil {
		return err
	}

	e, err := c.hashEngine(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	var hashes []obfuscation.ObfuscatedHash
	if *payload != "" && v != workers.VariantTrap {
		h, err := e.Hash(ctx, []byte(*payload), v)
		if err != nil {
			return err
		}
		hashes = []obfuscation.ObfuscatedHash{h}
	} else if hashes, err = e.Generate(ctx, *count, v, *seed); err != nil {
		return err
	}
	return printHashes(c, v, hashes, time.Since(start))
}

func runChallenge(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("challenge")
	k := fs.Int("k", 10, "number of challenge variants")
	payload, err := oneArg(fs, args, "payload")
	if err != nil {
		return err
	}

	e, err := c.hashEngine(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	hashes, err := e.GenerateChallengeSet(ctx, payload, *k)
	if err != nil {
		return err
	}
	return printHashes(c, workers.VariantChallenge, hashes, time.Since(start))
}

func runTraps(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("traps")
	source := fs.String("source", "cli", "label recorded with the burst")
	count := fs.Int("count", 0, "burst size (0 uses workers.trap_burst)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := c.hashEngine(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	hashes, err := e.Traps(ctx, *source, *count)
	if err != nil {
		return err
	}
	return printHashes(c, workers.VariantTrap, hashes, time.Since(start))
}

func runBench(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("bench")
	n := fs.Int("n", 10000, "hashes to compute")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := c.hashEngine(ctx)
	if err != nil {
		return err
	}
	res, err := e.Benchmark(ctx, *n)
	if err != nil {
		return err
	}
	return c.print(struct {
		workers.BenchmarkResult
		Stats workers.EngineStats `json:"stats"`
	}{res, e.Stats()})
}

func runIssue(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("issue")
	var lf licenseFlags
	lf.register(fs)
	subject, err := oneArg(fs, args, "subject id")
	if err != nil {
		return err
	}

	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	expires, err := lf.expiry(l)
	if err != nil {
		return err
	}
	rec, err := l.Issue(ctx, license.IssueSpec{
		SubjectID: subject,
		ExpiresAt: expires,
		MaxUsage:  lf.usage(),
		Metadata:  lf.metadata(),
	})
	if err != nil {
		return err
	}
	return c.print(viewOf(rec, license.ResultValid))
}

func runBulk(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("bulk")
	prefix := fs.String("prefix", "", "subject prefix (default USER)")
	count := fs.Int("count", 10, "licenses to issue")
	var lf licenseFlags
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	expires, err := lf.expiry(l)
	if err != nil {
		return err
	}
	recs, bulkErr := l.BulkIssue(ctx, license.BulkSpec{
		Prefix:    *prefix,
		Count:     *count,
		ExpiresAt: expires,
		MaxUsage:  lf.usage(),
		Metadata:  lf.metadata(),
	})

	views := make([]licenseView, len(recs))
	for i, r := range recs {
		views[i] = viewOf(r, license.ResultValid)
	}
	if len(recs) > 0 || bulkErr == nil {
		if err := c.print(struct {
			Requested int           `json:"requested"`
			Issued    int           `json:"issued"`
			Licenses  []licenseView `json:"licenses"`
		}{*count, len(recs), views}); err != nil {
			return err
		}
	}
	return bulkErr
}

func runValidate(ctx context.Context, c *cli, args []string) error {
	key, err := oneArg(newFlags("validate"), args, "license key")
	if err != nil {
		return err
	}
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	v, err := l.Validate(ctx, key)
	if err != nil {
		return err
	}
	return printValidation(c, v)
}

func runRevoke(ctx context.Context, c *cli, args []string) error {
	key, err := oneArg(newFlags("revoke"), args, "license key")
	if err != nil {
		return err
	}
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	if err := l.Revoke(ctx, key); err != nil {
		return err
	}
	v, err := l.Info(ctx, key)
	if err != nil {
		return err
	}
	return c.print(viewOf(*v.Record, v.Result))
}

func runInfo(ctx context.Context, c *cli, args []string) error {
	key, err := oneArg(newFlags("info"), args, "license key")
	if err != nil {
		return err
	}
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	v, err := l.Info(ctx, key)
	if err != nil {
		return err
	}
	return c.print(viewOf(*v.Record, v.Result))
}

func runList(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("list")
	subject := fs.String("subject", "", "only this subject")
	active := fs.Bool("active", false, "only active licenses")
	limit := fs.Int("limit", 100, "maximum rows (0 is unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	recs, err := l.List(ctx, license.Filter{SubjectID: *subject, ActiveOnly: *active, Limit: *limit})
	if err != nil {
		return err
	}
	now := time.Now()
	views := make([]licenseView, len(recs))
	for i, r := range recs {
		views[i] = viewOf(r, r.Status(now))
	}
	return c.print(views)
}

func runStats(ctx context.Context, c *cli, args []string) error {
	if err := newFlags("stats").Parse(args); err != nil {
		return err
	}
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	s, err := l.Stats(ctx)
	if err != nil {
		return err
	}
	return c.print(struct {
		license.LedgerStats
		PublicKey string `json:"public_key"`
	}{s, l.PublicKeyHex()})
}

func runExport(ctx context.Context, c *cli, args []string) (err error) {
	fs := newFlags("export")
	format := fs.String("format", license.ExportCSV, "csv | xlsx")
	out := fs.String("out", "", "output file (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	if *out == "" {
		return l.Export(ctx, c.out, *format)
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
		if err != nil {
			_ = os.Remove(*out)
		}
	}()
	return l.Export(ctx, f, *format)
}

func runToken(ctx context.Context, c *cli, args []string) error {
	key, err := oneArg(newFlags("token"), args, "license key")
	if err != nil {
		return err
	}
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	token, err := l.Token(ctx, key)
	if err != nil {
		return err
	}
	claims, err := l.ParseToken(token)
	if err != nil {
		return err
	}
	return c.print(domain.TokenResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		PublicKey: l.PublicKeyHex(),
	})
}

func runVerifyToken(ctx context.Context, c *cli, args []string) error {
	token, err := oneArg(newFlags("verify-token"), args, "token")
	if err != nil {
		return err
	}
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	v, err := l.VerifyToken(ctx, token)
	if err != nil {
		return err
	}
	return printValidation(c, v)
}

func runKeygen(_ context.Context, c *cli, args []string) error {
	fs := newFlags("keygen")
	passphrase := fs.String("passphrase", "", "seal the key with this passphrase (falls back to ledger.key_passphrase)")
	force := fs.Bool("force", false, "overwrite an existing key file")
	path, err := oneArg(fs, args, "output path")
	if err != nil {
		return err
	}
	if *passphrase == "" {
		*passphrase = c.cfg.Ledger.KeyPassphrase
	}
	if !*force && config.FileExists(path) {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}

	seed, err := license.GenerateSeed()
	if err != nil {
		return err
	}
	defer clear(seed)

	data := []byte(hex.EncodeToString(seed))
	if *passphrase != "" {
		if data, err = license.SealSeed(seed, []byte(*passphrase)); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	combiner, err := digest.NewCombiner(c.cfg.Hash.Algorithms)
	if err != nil {
		return err
	}
	signer, err := license.NewSigner(seed, combiner)
	if err != nil {
		return err
	}
	c.logger.Info("signing key written", slog.String("path", path), slog.Bool("sealed", *passphrase != ""))
	return c.print(struct {
		Path      string `json:"path"`
		Sealed    bool   `json:"sealed"`
		PublicKey string `json:"public_key"`
	}{path, *passphrase != "", signer.PublicKeyHex()})
}

func runVersion(_ context.Context, c *cli, args []string) error {
	if err := newFlags("version").Parse(args); err != nil {
		return err
	}
	return c.print(contracts.GetVersionInfo())
}
