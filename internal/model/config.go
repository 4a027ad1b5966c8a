package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultListen  = "127.0.0.1:8780"
	DefaultTimeout = "PT5S"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service    `json:"service" yaml:"service"`
	QuickFix  QuickFix   `json:"quickfix" yaml:"quickfix"`
	Patches   Patches    `json:"patches" yaml:"patches"`
	Process   Process    `json:"process" yaml:"process"`
	Events    Events     `json:"events" yaml:"events"`
	Telemetry *Telemetry `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Listen  string  `json:"listen" yaml:"listen"`
	Report  *Report `json:"report,omitempty" yaml:"report,omitempty"`
}

// Report schedules a periodic log of in-flight tasks. Either Cron or
// Duration (ISO-8601) is used.
type Report struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type QuickFix struct {
	Timeout     string `json:"timeout" yaml:"timeout"` // ISO-8601, per asynchronous step
	Parallelism int    `json:"parallelism" yaml:"parallelism"`
}

// Patches configures the file backed patch store.
type Patches struct {
	Dir string `json:"dir" yaml:"dir"`
}

type Process struct {
	Poll        string            `json:"poll" yaml:"poll"`
	Names       map[string]string `json:"names,omitempty" yaml:"names,omitempty"` // bundle name -> process name
	Hooks       *Hooks            `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	HookTimeout string            `json:"hookTimeout" yaml:"hookTimeout"`
}

// Hooks are commands executed instead of signalling the process.
type Hooks struct {
	Load   []string `json:"load,omitempty" yaml:"load,omitempty"`
	Reload []string `json:"reload,omitempty" yaml:"reload,omitempty"`
	Unload []string `json:"unload,omitempty" yaml:"unload,omitempty"`
}

type Events struct {
	Stdout  bool    `json:"stdout" yaml:"stdout"`
	Dir     *string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Webhook *string `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

type Telemetry struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Insecure bool   `json:"insecure" yaml:"insecure"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns the configuration stored when no config file exists.
// Patches are kept in the user cache directory.
func DefaultConfig(_ context.Context) Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		Version: 0,
		Service: Service{
			Listen: DefaultListen,
		},
		QuickFix: QuickFix{
			Timeout:     DefaultTimeout,
			Parallelism: 4,
		},
		Patches: Patches{
			Dir: filepath.Join(dir, "quickfix", "patches"),
		},
		Process: Process{
			Poll:        "PT1S",
			HookTimeout: "PT10S",
		},
		Events: Events{
			Stdout: true,
		},
	}
}

// TimeoutDuration returns the per-step timeout.
func (q QuickFix) TimeoutDuration() (time.Duration, error) {
	d, err := ParseISODuration(q.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing quickfix.timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("quickfix.timeout must be positive, got %s", q.Timeout)
	}
	return d, nil
}

func (p Process) PollDuration() (time.Duration, error) {
	d, err := ParseISODuration(p.Poll)
	if err != nil {
		return 0, fmt.Errorf("parsing process.poll: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("process.poll must be positive, got %s", p.Poll)
	}
	return d, nil
}

func (p Process) HookTimeoutDuration() (time.Duration, error) {
	d, err := ParseISODuration(p.HookTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing process.hookTimeout: %w", err)
	}
	return d, nil
}

// ProcessName maps a bundle to the name of its process.
func (p Process) ProcessName(bundleName string) string {
	if name, ok := p.Names[bundleName]; ok {
		return name
	}
	return bundleName
}

// Schedule returns the report schedule as a cron expression or a duration.
// Exactly one of them is non-zero for a valid report.
func (r Report) Schedule() (cron string, every time.Duration, err error) {
	switch {
	case r.Cron != "":
		if _, err := ParseCron(r.Cron); err != nil {
			return "", 0, fmt.Errorf("parsing service.report.cron: %w", err)
		}
		return r.Cron, 0, nil
	case r.Duration != "":
		d, err := ParseISODuration(r.Duration)
		if err != nil {
			return "", 0, fmt.Errorf("parsing service.report.duration: %w", err)
		}
		return "", d, nil
	default:
		return "", 0, fmt.Errorf("both cron and duration are empty")
	}
}
