package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/fleetinstall/pkg/config"
)

// passwordEnv names the environment variable holding the SSH password. It
// is never taken from a flag.
const passwordEnv = "FLEETINSTALL_SSH_PASSWORD"

// jobFlags are the job file overrides shared by install and validate.
type jobFlags struct {
	artifact    string
	args        string
	hosts       []string
	hostsFiles  []string
	inventory   string
	filter      string
	resolveDNS  bool
	stagingRoot string
	retries     int
	delay       int
	parallel    int
	logDir      string

	user     string
	port     int
	key      string
	agent    bool
	insecure bool

	noPolicy bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.artifact, "artifact", "a", "", "path of the installer or executable")
	fs.StringVar(&f.args, "args", "", `installer arguments ("none" for silent defaults)`)
	fs.StringSliceVar(&f.hosts, "hosts", nil, "hosts to install on (comma separated)")
	fs.StringSliceVarP(&f.hostsFiles, "hosts-file", "f", nil, "host file: CSV with a Host column or one host per line")
	fs.StringVar(&f.inventory, "inventory", "", `inventory label selector ("k=v,k2=v2" or "*")`)
	fs.StringVar(&f.filter, "filter", "", "Starlark script defining include(host)")
	fs.BoolVar(&f.resolveDNS, "resolve-dns", false, "skip hosts whose name does not resolve")
	fs.StringVar(&f.stagingRoot, "staging-root", "", "folder on each host the artifact is staged in")
	fs.IntVarP(&f.retries, "retries", "r", 0, "maximum number of rounds")
	fs.IntVar(&f.delay, "delay", 0, "seconds to wait between rounds")
	fs.IntVarP(&f.parallel, "parallel", "p", 0, "hosts processed at once within a round")
	fs.StringVar(&f.logDir, "log-dir", "", "directory for the run log and the failure file")

	fs.StringVarP(&f.user, "user", "u", "", "SSH user")
	fs.IntVar(&f.port, "port", 0, "SSH port")
	fs.StringVarP(&f.key, "key", "i", "", "SSH private key")
	fs.BoolVar(&f.agent, "agent", false, "authenticate with the SSH agent")
	fs.BoolVar(&f.insecure, "insecure-ignore-host-key", false, "do not verify host keys")

	fs.BoolVar(&f.noPolicy, "no-policy", false, "skip the preflight policy gate")
}

// apply copies every flag the user set onto cfg. Unset flags leave the job
// file values alone.
func (f *jobFlags) apply(fs *pflag.FlagSet, cfg *config.JobConfig) {
	set := func(name string) bool { return fs.Changed(name) }

	if set("artifact") {
		cfg.Artifact.Path = f.artifact
	}
	if set("args") {
		cfg.Artifact.Args = f.args
	}
	if set("hosts") {
		cfg.Hosts.List = f.hosts
	}
	if set("hosts-file") {
		cfg.Hosts.Files = f.hostsFiles
	}
	if set("inventory") {
		cfg.Hosts.Inventory = f.inventory
	}
	if set("filter") {
		cfg.Hosts.Filter = f.filter
	}
	if set("resolve-dns") {
		cfg.Hosts.ResolveDNS = f.resolveDNS
	}
	if set("staging-root") {
		cfg.Execution.StagingRoot = f.stagingRoot
	}
	if set("retries") {
		cfg.Execution.Retries = f.retries
	}
	if set("delay") {
		cfg.Execution.DelaySeconds = f.delay
	}
	if set("parallel") {
		cfg.Execution.MaxParallel = f.parallel
	}
	if set("log-dir") {
		cfg.Report.LogDir = f.logDir
	}
	if set("user") {
		cfg.SSH.User = f.user
	}
	if set("port") {
		cfg.SSH.Port = f.port
	}
	if set("key") {
		cfg.SSH.PrivateKeyPath = f.key
	}
	if set("agent") {
		cfg.SSH.UseAgent = f.agent
	}
	if set("insecure-ignore-host-key") {
		cfg.SSH.InsecureIgnoreHostKey = f.insecure
	}
	if set("no-policy") {
		cfg.Policy.Disabled = f.noPolicy
	}

	if pw := os.Getenv(passwordEnv); pw != "" {
		cfg.SSH.Password = pw
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
}

// loadJob loads the job file, applies the overrides and validates the
// result.
func loadJob(cmd *cobra.Command, flags *jobFlags) (*config.JobConfig, error) {
	cfg, err := loadBaseConfig()
	if err != nil {
		return nil, err
	}
	flags.apply(cmd.Flags(), cfg)

	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
