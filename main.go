// lokit-engine: incremental AI translation of JSON and YAML locale files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/minios-linux/lokit-engine/config"
	"github.com/minios-linux/lokit-engine/engine"
	"github.com/minios-linux/lokit-engine/i18n"
	"github.com/minios-linux/lokit-engine/langfile"
	"github.com/minios-linux/lokit-engine/locale"
	"github.com/minios-linux/lokit-engine/logging"
	"github.com/minios-linux/lokit-engine/plugin"
	"github.com/minios-linux/lokit-engine/provider"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	rootDir   string
	envFile   string
	logLevel  string
	logFormat string
)

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lokit-engine",
		Short: i18n.T("Incremental AI translation of JSON and YAML locale files"),
		Long: `lokit-engine translates JSON and YAML locale files through a staged,
plugin-driven pipeline.

Every pass checksums the source texts and compares them with the snapshot of
the previous pass: unchanged keys are served from the snapshot, only new and
changed keys are sent to the provider.

Commands:
  translate   Translate the configured targets
  status      Show targets, translation progress and snapshots
  plugins     List the registered plugins and their tenant state

Configuration is read from .lokit-engine.yaml in the project root and from
LOKIT_* environment variables (optionally loaded from a .env file).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global persistent flags, inherited by all subcommands
	flags := root.PersistentFlags()
	flags.StringVar(&rootDir, "root", ".", "Project root directory")
	flags.StringVar(&envFile, "env", ".env", "Environment file with LOKIT_* variables")
	flags.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (console, json)")

	root.AddCommand(
		newTranslateCmd(),
		newStatusCmd(),
		newPluginsCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	i18n.Init("")
	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version (display version information)
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: i18n.T("Show version information"),
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lokit-engine version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}

	return cmd
}

// ---------------------------------------------------------------------------
// Session (configuration + logger shared by the commands)
// ---------------------------------------------------------------------------

type session struct {
	cfg *config.File
	env *config.Env
	log zerolog.Logger
}

func loadSession() (*session, error) {
	cfg, env, err := config.Load(rootDir, envFile)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.SnapshotDir) {
		cfg.SnapshotDir = filepath.Join(rootDir, cfg.SnapshotDir)
	}

	log, err := logging.New(os.Stderr, firstNonEmpty(logFormat, env.LogFormat), firstNonEmpty(logLevel, cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, env: env, log: log}, nil
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

type translateOptions struct {
	// Target selection
	langs  []string
	tenant string

	// Provider selection
	provider string
	model    string
	baseURL  string
	apiKey   string

	// Translation behavior
	chunkSize   int
	retries     int
	prompt      string
	concurrency int
	dryRun      bool
	readOnly    bool
	force       bool

	// Network
	timeout    time.Duration
	proxy      string
	maxRetries int
	rps        float64
}

func (o *translateOptions) bind(fs *pflag.FlagSet) {
	// Target selection
	fs.StringSliceVar(&o.langs, "lang", nil, "Languages to translate (comma-separated, default: all configured)")
	fs.StringVar(&o.tenant, "tenant", "", "Run every target with this tenant's plugin configuration")

	// Provider selection
	fs.StringVar(&o.provider, "provider", "", "Provider: "+strings.Join(provider.IDs(), ", "))
	fs.StringVar(&o.model, "model", "", "Model name")
	fs.StringVar(&o.baseURL, "base-url", "", "Custom API base URL")
	fs.StringVar(&o.apiKey, "api-key", "", "API key (or LOKIT_API_KEY env var)")

	// Translation behavior
	fs.IntVar(&o.chunkSize, "chunk-size", 0, "Keys per provider request (0 = config value)")
	fs.IntVar(&o.retries, "retries", -1, "Retries for keys missing from a response (-1 = config value)")
	fs.StringVar(&o.prompt, "prompt", "", "Custom system prompt")
	fs.IntVar(&o.concurrency, "concurrency", 0, "Files translated in parallel (0 = config value)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Show what would be translated without calling the provider")
	fs.BoolVar(&o.readOnly, "read-only", false, "Do not update snapshots")
	fs.BoolVar(&o.force, "force", false, "Ignore snapshots and retranslate every key")

	// Network
	fs.DurationVar(&o.timeout, "timeout", 0, "Request timeout (0 = provider default)")
	fs.StringVar(&o.proxy, "proxy", "", "HTTP/HTTPS proxy URL")
	fs.IntVar(&o.maxRetries, "max-retries", 0, "Maximum retries on 429, 5xx and network errors (0 = provider default)")
	fs.Float64Var(&o.rps, "rps", 0, "Maximum provider requests per second (0 = unlimited)")
}

// apply overrides the configuration with the flags that were set.
func (o *translateOptions) apply(cfg *config.File) error {
	if o.provider != "" {
		cfg.Provider.ID = o.provider
	}
	if o.model != "" {
		cfg.Provider.Model = o.model
	}
	if o.baseURL != "" {
		cfg.Provider.BaseURL = o.baseURL
	}
	if o.apiKey != "" {
		cfg.Provider.APIKey = o.apiKey
	}
	if o.timeout > 0 {
		cfg.Provider.Timeout = o.timeout
	}
	if o.proxy != "" {
		cfg.Provider.Proxy = o.proxy
	}
	if o.maxRetries > 0 {
		cfg.Provider.MaxRetries = o.maxRetries
	}
	if o.rps > 0 {
		cfg.Provider.RequestsPerSecond = o.rps
	}
	if o.chunkSize > 0 {
		cfg.ChunkSize = o.chunkSize
	}
	if o.retries >= 0 {
		r := o.retries
		cfg.Retries = &r
	}
	if o.prompt != "" {
		cfg.Prompt = o.prompt
	}
	if o.concurrency > 0 {
		cfg.Concurrency = o.concurrency
	}
	if o.tenant != "" {
		if _, ok := cfg.Tenants[o.tenant]; !ok {
			return fmt.Errorf("tenant %q is not declared in %s", o.tenant, config.FileName)
		}
	}
	return cfg.Validate()
}

func newTranslateCmd() *cobra.Command {
	var o translateOptions

	cmd := &cobra.Command{
		Use:   "translate [target...]",
		Short: i18n.T("Translate the configured targets"),
		Long: `Translate the source file of every configured target (or only the named
ones) into each target language and write the output files.

Keys whose source text did not change since the last pass are taken from the
snapshot; only new and changed keys reach the provider.

Examples:
  # Translate everything with the configured provider
  lokit-engine translate

  # Translate one target into German and French using Groq
  lokit-engine translate web --lang de,fr --provider groq --model llama-3.3-70b-versatile

  # Show which keys would be sent to the provider
  lokit-engine translate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd.Context(), o, args, forwardFlags(cmd))
		},
	}

	o.bind(cmd.Flags())

	_ = cmd.RegisterFlagCompletionFunc("provider", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var out []string
		for _, id := range provider.IDs() {
			out = append(out, id+"\t"+provider.DefaultConfigs()[id].Name)
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// translateJob is one target file in one language.
type translateJob struct {
	target config.ResolvedTarget
	lang   string
}

func (j translateJob) String() string {
	return fmt.Sprintf("%s [%s]", j.target.Target.Name, j.lang)
}

func planJobs(targets []config.ResolvedTarget, filter []string) []translateJob {
	var jobs []translateJob
	for _, rt := range targets {
		langs := filterOutLang(rt.Languages, rt.Target.SourceLang)
		if len(filter) > 0 {
			langs = intersectLanguages(langs, filter)
		}
		for _, lang := range langs {
			jobs = append(jobs, translateJob{target: rt, lang: lang})
		}
	}
	return jobs
}

func runTranslate(ctx context.Context, o translateOptions, names, forwarded []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s, err := loadSession()
	if err != nil {
		return err
	}
	if err := o.apply(s.cfg); err != nil {
		return err
	}

	opts := []engine.Option{engine.WithLogger(s.log)}
	if o.readOnly {
		opts = append(opts, engine.ReadOnly())
	}
	if o.force {
		opts = append(opts, engine.Force())
	}
	eng, err := engine.New(s.cfg, opts...)
	if err != nil {
		return err
	}

	targets, err := eng.Targets(rootDir, names...)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets configured in %s", filepath.Join(rootDir, config.FileName))
	}
	if o.tenant != "" {
		for i := range targets {
			targets[i].Target.Tenant = o.tenant
		}
	}

	jobs := planJobs(targets, o.langs)
	if len(jobs) == 0 {
		logWarning("%s", i18n.T("Nothing to translate: no target languages"))
		return nil
	}

	if o.dryRun {
		logInfo(i18n.T("Dry run, provider %s is not called"), eng.Provider().Name())
		for _, j := range jobs {
			plan, err := eng.Plan(j.target, j.lang)
			if err != nil {
				return fmt.Errorf("%s: %w", j, err)
			}
			logInfo("%s (%s): %s", j, locale.NativeName(j.lang), plan.Summary())
			if pending := plan.Pending(); len(pending) > 0 {
				fmt.Fprintf(os.Stderr, "    %s\n", strings.Join(pending, ", "))
			}
		}
		return nil
	}

	// Every (target, language) pair owns its snapshot file, so pairs can run
	// as separate processes without sharing state.
	if s.cfg.Concurrency > 1 && len(jobs) > 1 {
		logInfo(i18n.N("Translating %d file with %s (concurrency %d)", "Translating %d files with %s (concurrency %d)", len(jobs)),
			len(jobs), eng.Provider().Name(), s.cfg.Concurrency)
		err = runJobProcesses(ctx, jobs, s.cfg.Concurrency, forwarded)
	} else {
		err = runJobs(ctx, eng, jobs)
	}
	if err != nil {
		if ctx.Err() != nil {
			logWarning("%s", i18n.T("Translation interrupted, snapshots of unfinished files were not updated"))
			return nil
		}
		return fmt.Errorf("translation failed: %w", err)
	}

	logSuccess("%s", i18n.T("Translation complete!"))
	return nil
}

// runJobs translates the jobs one after another in this process.
func runJobs(ctx context.Context, eng *engine.Engine, jobs []translateJob) error {
	for _, j := range jobs {
		fr, err := eng.TranslateFile(ctx, j.target, j.lang)
		if err != nil {
			return err
		}
		for _, w := range fr.Result.Context.Warnings() {
			logWarning("%s: %s", j, w)
		}
		cached := fr.Result.Cached()
		logSuccess(i18n.T("%s: %d translated, %d cached -> %s"), j, len(fr.Result.Records)-cached, cached, relPath(fr.Path))
	}
	return nil
}

// spawnJob runs one job in a child process of this binary.
var spawnJob = func(ctx context.Context, j translateJob, forwarded []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append([]string{"translate", j.target.Target.Name, "--lang", j.lang, "--concurrency", "1"}, forwarded...)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", j, err)
	}
	return nil
}

// runJobProcesses runs one child process per job, at most limit at a time.
// The first failure cancels the remaining jobs.
func runJobProcesses(ctx context.Context, jobs []translateJob, limit int, forwarded []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, j := range jobs {
		g.Go(func() error {
			return spawnJob(gctx, j, forwarded)
		})
	}
	return g.Wait()
}

// forwardFlags returns the flags set on the command line, except the ones
// that select the work of a child process.
func forwardFlags(cmd *cobra.Command) []string {
	var out []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed || f.Name == "lang" || f.Name == "concurrency" {
			return
		}
		out = append(out, "--"+f.Name+"="+f.Value.String())
	})
	return out
}

// ---------------------------------------------------------------------------
// status (read-only: targets, progress, snapshots)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: i18n.T("Show targets, translation progress and snapshots"),
		Long: `Show the resolved configuration, per-language progress of every target
and the snapshot files. Does not modify any files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}

	return cmd
}

func runStatus() error {
	s, err := loadSession()
	if err != nil {
		return err
	}
	eng, err := engine.New(s.cfg, engine.WithLogger(s.log), engine.WithProvider(&provider.Static{ID: s.cfg.Provider.ID}))
	if err != nil {
		return err
	}

	// Project info header
	fmt.Fprintf(os.Stderr, "\n%s%s%s\n", colorBlue, i18n.T("Project"), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))

	absRoot, _ := filepath.Abs(rootDir)
	fmt.Fprintf(os.Stderr, "  Root:       %s\n", absRoot)
	cfgPath := filepath.Join(rootDir, config.FileName)
	if !fileExists(cfgPath) {
		cfgPath = "none (defaults)"
	}
	fmt.Fprintf(os.Stderr, "  Config:     %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "  Source:     %s (%s)\n", s.cfg.SourceLang, locale.Name(s.cfg.SourceLang))
	prov := provider.Resolve(s.cfg.Provider)
	fmt.Fprintf(os.Stderr, "  Provider:   %s", prov.ID)
	if prov.Model != "" {
		fmt.Fprintf(os.Stderr, " (%s)", prov.Model)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "  Snapshots:  %s\n", s.cfg.SnapshotDir)
	fmt.Fprintln(os.Stderr)

	targets, err := eng.Targets(rootDir)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logInfo(i18n.T("No targets configured. Add them to %s."), config.FileName)
	}
	for _, rt := range targets {
		showTargetStats(rt)
	}

	return showSnapshotStats(eng)
}

func showTargetStats(rt config.ResolvedTarget) {
	t := rt.Target
	fmt.Fprintf(os.Stderr, "%s%s%s  %s -> %s", colorBlue, t.Name, colorReset, t.Source, t.Output)
	if t.Tenant != "" {
		fmt.Fprintf(os.Stderr, "  (tenant %s)", t.Tenant)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))

	src, err := langfile.ParseFile(rt.SourcePath())
	if err != nil {
		logWarning("%v", err)
		fmt.Fprintln(os.Stderr)
		return
	}
	total := len(src.Keys())

	langs := filterOutLang(rt.Languages, t.SourceLang)
	if len(langs) == 0 {
		fmt.Fprintf(os.Stderr, "  %s\n\n", i18n.T("no target languages"))
		return
	}

	width := langColumnWidth(langs)
	for _, lang := range langs {
		out, err := langfile.ParseFile(rt.OutputPath(lang))
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %-*s %s\n", width, lang, i18n.T("missing"))
			continue
		}
		translated := 0
		for _, key := range src.Keys() {
			if v, ok := out.Get(key); ok && v != "" {
				translated++
			}
		}
		percent := 0
		if total > 0 {
			percent = translated * 100 / total
		}
		fmt.Fprintf(os.Stderr, "  %-*s %s  %d/%d  %s\n", width, lang, progressBar(percent, 20), translated, total, locale.NativeName(lang))
	}
	fmt.Fprintln(os.Stderr)
}

func showSnapshotStats(eng *engine.Engine) error {
	files, err := eng.Store().Files()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorBlue, i18n.T("Snapshots"), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "  %s\n\n", i18n.T("none yet, the first translate run creates them"))
		return nil
	}
	keys := 0
	for _, f := range files {
		fmt.Fprintf(os.Stderr, "  %-40s %s\n", f.Path, i18n.N("%d key", "%d keys", f.Keys))
		keys += f.Keys
	}
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	fmt.Fprintf(os.Stderr, "  %d files, %d keys\n\n", len(files), keys)
	return nil
}

// ---------------------------------------------------------------------------
// plugins (registry inspection)
// ---------------------------------------------------------------------------

func newPluginsCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: i18n.T("List the registered plugins and their tenant state"),
		Long: `List every registered plugin in dependency order with its priority,
stages and dependencies, and whether it is enabled for the given tenant.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlugins(tenant)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant to show the plugin state for (default: built-in defaults)")

	return cmd
}

func runPlugins(tenant string) error {
	s, err := loadSession()
	if err != nil {
		return err
	}
	if tenant != "" {
		if _, ok := s.cfg.Tenants[tenant]; !ok {
			return fmt.Errorf("tenant %q is not declared in %s", tenant, config.FileName)
		}
	}
	eng, err := engine.New(s.cfg, engine.WithLogger(s.log), engine.WithProvider(&provider.Static{ID: s.cfg.Provider.ID}))
	if err != nil {
		return err
	}

	m := eng.Manager()
	title := i18n.T("Plugins")
	if tenant != "" {
		title += " (" + tenant + ")"
	}
	fmt.Fprintf(os.Stderr, "\n%s%s%s\n", colorBlue, title, colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 78))
	fmt.Fprintf(os.Stderr, "%-3s %-10s %-8s %-5s %-30s %s\n", "", "Name", "Version", "Prio", "Stages", "Depends on")
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 78))
	for _, p := range m.All() {
		fmt.Fprintln(os.Stderr, pluginRow(p.Descriptor(), m.IsEnabledForTenant(tenant, p.Descriptor().Name)))
	}
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 78))

	st := m.Registry().Stats()
	fmt.Fprintf(os.Stderr, "%d plugins, %d enabled, %d dependencies, longest chain %d\n\n",
		st.Plugins, len(m.GetEnabled(tenant)), st.Dependencies, st.MaxDepth)
	return nil
}

func pluginRow(d plugin.Descriptor, enabled bool) string {
	mark := colorRed + "✗" + colorReset
	if enabled {
		mark = colorGreen + "✓" + colorReset
	}
	stages := make([]string, len(d.Stages))
	for i, st := range d.Stages {
		stages[i] = st.String()
	}
	deps := "-"
	if len(d.Dependencies) > 0 {
		deps = strings.Join(d.Dependencies, ", ")
	}
	stageCol := "-"
	if len(stages) > 0 {
		stageCol = strings.Join(stages, ", ")
	}
	return fmt.Sprintf("%s  %-10s %-8s %-5d %-30s %s", mark, d.Name, d.Version, d.Priority, stageCol, deps)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// progressBar renders a colored bar followed by the right-aligned percent.
func progressBar(percent, width int) string {
	percent = max(0, min(100, percent))
	filled := percent * width / 100

	color := colorRed
	switch {
	case percent >= 100:
		color = colorGreen
	case percent >= 50:
		color = colorYellow
	}
	return color + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + colorReset + fmt.Sprintf(" %3d%%", percent)
}

func langColumnWidth(langs []string) int {
	width := 4
	for _, l := range langs {
		width = max(width, len(l))
	}
	return width
}

// intersectLanguages keeps the available languages named in filter, in
// filter order.
func intersectLanguages(available, filter []string) []string {
	var out []string
	for _, f := range filter {
		f = locale.Normalize(f)
		if slices.Contains(available, f) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func filterOutLang(langs []string, lang string) []string {
	var out []string
	for _, l := range langs {
		if l != lang {
			out = append(out, l)
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// relPath shortens path relative to the working directory when possible.
func relPath(path string) string {
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(wd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
