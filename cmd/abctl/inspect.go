package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/config"
	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/event"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/findaway"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/fulfill"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/license"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/preset"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/server"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/session"
)

type inspectOptions struct {
	preset      string
	creds       credentialFlags
	metricsAddr string
	skipLicense bool
}

func newInspectCommand(ctx *commandContext) *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect [URI]",
		Short: "Fetch, parse and license check a manifest",
		Long: "Fetch a manifest with the given credentials, parse it, run the license " +
			"verifiers and print its metadata and spine.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, ctx, opts, args)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.preset, "preset", "", "Name of a preset from the presets file")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics on this address until interrupted")
	fs.BoolVar(&opts.skipLicense, "skip-license", false, "Do not run the license verifiers")
	opts.creds.register(cmd)
	return cmd
}

// source resolves the manifest URI and credentials from a preset, the
// positional URI and the credential flags. Flags override the preset.
func (o *inspectOptions) source(cfg config.Config, args []string) (*url.URL, fulfill.Credentials, error) {
	var (
		uri   *url.URL
		creds fulfill.Credentials = fulfill.None{}
	)
	if o.preset != "" {
		presets, err := preset.Load(cfg.PresetsFile)
		if err != nil {
			return nil, nil, err
		}
		p, ok := preset.Find(presets, o.preset)
		if !ok {
			return nil, nil, errordefs.New(errordefs.AB_CONFIGURATION, fmt.Sprintf("no preset named %q in %s", o.preset, cfg.PresetsFile))
		}
		uri, creds = p.URI, p.Credentials
	}
	if len(args) == 1 {
		u, err := url.Parse(args[0])
		if err != nil || !u.IsAbs() {
			return nil, nil, errordefs.New(errordefs.AB_CONFIGURATION, fmt.Sprintf("%q is not an absolute URI", args[0]))
		}
		uri = u
	}
	if uri == nil {
		return nil, nil, errordefs.New(errordefs.AB_CONFIGURATION, "a URI or --preset is required")
	}
	if o.creds.set() {
		c, err := o.creds.credentials()
		if err != nil {
			return nil, nil, err
		}
		creds = c
	}
	return uri, creds, nil
}

func runInspect(cmd *cobra.Command, cc *commandContext, opts *inspectOptions, args []string) error {
	ctx := cmd.Context()
	cfg, log := cc.cfg, cc.log

	uri, creds, err := opts.source(cfg, args)
	if err != nil {
		return err
	}

	pub := event.NewPublisher(cfg.NATSURL, log)
	defer pub.Close()
	sessionID := ulid.Make().String()
	reached := func(state session.State) {
		metrics.NewMetrics().ObserveSessionState(state.String())
		if err := pub.PublishSessionState(ctx, sessionID, state.String()); err != nil {
			log.Warn("failed to publish session state", "state", state, "error", err)
		}
	}

	hc := fulfill.NewHTTPClient(cfg.HTTPTimeout)
	fetched, err := fetchManifest(ctx, hc, uri, creds, cfg.FetchTimeout, log)
	if err != nil {
		reached(session.Failed)
		return err
	}
	reached(session.ReceivedResponse)

	store, err := buildCache(ctx, cfg)
	if err != nil {
		return err
	}
	if where, err := store.Store(ctx, fetched.Data); err != nil {
		log.Warn("failed to cache manifest", "error", err)
	} else if where != "" {
		log.Info("manifest cached", "location", where)
	}

	source := fetched.Source
	if source == nil {
		source = uri
	}
	m, err := manifest.NewParser(manifest.ReadingOrderExtension{}).Parse(source, fetched.Data)
	metrics.NewMetrics().ObserveParse(err)
	if err != nil {
		reached(session.Failed)
		return errordefs.Wrap(errordefs.AB_PARSE, "failed to parse manifest", err)
	}
	reached(session.ReceivedManifest)

	out := cmd.OutOrStdout()
	printMetadata(out, m)

	if opts.skipLicense {
		fmt.Fprintln(out, "License:   not checked")
	} else {
		res, err := checkLicense(ctx, m, hc, log)
		if err != nil {
			reached(session.Failed)
			return err
		}
		if !res.Succeeded {
			printFailures(out, res.Failures)
			reached(session.Failed)
			return errordefs.Wrap(errordefs.AB_LICENSE_CHECK, "license check failed", res.Err())
		}
		fmt.Fprintln(out, "License:   ok")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, spineTable(m))

	if opts.metricsAddr != "" {
		return serveUntilDone(ctx, opts.metricsAddr, server.NewMux(server.Options{Logger: log}), log)
	}
	return nil
}

func fetchManifest(ctx context.Context, hc *http.Client, uri *url.URL, creds fulfill.Credentials, timeout time.Duration, log *slog.Logger) (*fulfill.Fulfilled, error) {
	strategy, err := fulfill.DefaultRegistry().Create(fulfill.Params{
		Credentials: creds,
		URI:         uri,
		Client:      hc,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	exec := fulfill.Start(ctx, strategy)
	defer exec.Unsubscribe()
	go func() {
		for ev := range exec.Events() {
			log.Debug(ev.Message, "strategy", ev.Strategy)
		}
	}()

	f, err := exec.Await(timeout)
	if err != nil {
		return nil, session.ClassifyFetch(err)
	}
	return f, nil
}

// buildCache mirrors manifests to the cache directory and S3 when each is
// configured.
func buildCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	var caches cache.Multi
	if cfg.CacheDir != "" {
		f, err := cache.NewFile(cfg.CacheDir)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.AB_CONFIGURATION, "manifest cache directory", err)
		}
		caches = append(caches, f)
	}
	if cfg.S3Enabled() {
		s3, err := cache.NewS3(ctx, cache.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, errordefs.Wrap(errordefs.AB_CONFIGURATION, "manifest mirror", err)
		}
		caches = append(caches, s3)
	}
	if len(caches) == 0 {
		return cache.Nop{}, nil
	}
	return caches, nil
}

func checkLicense(ctx context.Context, m *manifest.Manifest, hc *http.Client, log *slog.Logger) (license.Result, error) {
	schema, err := license.NewSchemaVerifier()
	if err != nil {
		return license.Result{}, errordefs.Wrap(errordefs.AB_INTERNAL, "license schemas", err)
	}
	check := license.NewCheck(m,
		schema,
		license.NewEndDateVerifier(nil),
		license.NewOnlineVerifier(hc),
	).WithLogger(log)

	exec := license.Start(ctx, check)
	defer exec.Unsubscribe()
	go func() {
		for ev := range exec.Events() {
			log.Debug(ev.Message, "verifier", ev.Verifier)
		}
	}()
	res, err := exec.Await(0)
	if err != nil {
		return license.Result{}, errordefs.Wrap(errordefs.AB_LICENSE_CHECK, "license check did not complete", err)
	}
	return res, nil
}

func printMetadata(w io.Writer, m *manifest.Manifest) {
	md := m.Metadata
	fmt.Fprintf(w, "Title:     %s\n", md.Title)
	if len(md.Authors) > 0 {
		fmt.Fprintf(w, "Authors:   %s\n", strings.Join(md.Authors, ", "))
	}
	fmt.Fprintf(w, "ID:        %s\n", md.Identifier)
	fmt.Fprintf(w, "Language:  %s\n", md.Language)
	fmt.Fprintf(w, "Duration:  %s\n", seconds(md.DurationSeconds))
	scheme := "none"
	if md.Encrypted != nil {
		scheme = md.Encrypted.Scheme
	}
	fmt.Fprintf(w, "DRM:       %s\n", scheme)
}

func printFailures(w io.Writer, failures []license.Failure) {
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []string{f.Verifier, f.Reason})
	}
	fmt.Fprintln(w, renderTable([]string{"Verifier", "Reason"}, rows, nil))
}

// spineTable renders Findaway books with their part and chapter numbers and
// any other book from the raw spine values.
func spineTable(m *manifest.Manifest) string {
	if fm, err := findaway.Transform(m); err == nil {
		rows := make([][]string, 0, len(fm.Items))
		for i, item := range fm.Items {
			rows = append(rows, []string{
				strconv.Itoa(i),
				item.ID(),
				item.Title,
				strconv.Itoa(item.Part),
				strconv.Itoa(item.Chapter),
				seconds(item.Duration),
			})
		}
		return renderTable(
			[]string{"#", "ID", "Title", "Part", "Chapter", "Duration"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight},
		)
	} else if !errors.Is(err, findaway.ErrNotFindaway) {
		slog.Warn("findaway spine is incomplete", "error", err)
	}

	rows := make([][]string, 0, len(m.Spine))
	for i, item := range m.Spine {
		title, _, _ := item.Values.StringOptional("title")
		kind, _, _ := item.Values.StringOptional("type")
		duration := ""
		if d, err := item.Values.Float("duration"); err == nil {
			duration = seconds(d)
		}
		rows = append(rows, []string{strconv.Itoa(i), title, kind, duration})
	}
	return renderTable(
		[]string{"#", "Title", "Type", "Duration"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
	)
}

func seconds(s float64) string {
	return time.Duration(s * float64(time.Second)).Round(time.Second).String()
}
