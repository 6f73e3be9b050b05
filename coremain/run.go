package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/dnsfwd/mlog"
	"github.com/pmkol/dnsfwd/pkg/dnsutils"
	"github.com/pmkol/dnsfwd/pkg/safe_close"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "dnsfwd",
	Short: "A caching dns forwarder for A and PTR queries.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start dnsfwd main program.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}

			sc := safe_close.NewSafeClose()
			attachSignals(sc)
			return StartServer(sf, sc)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage dnsfwd as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	rootCmd.AddCommand(newLookupCmd(), newConfigCmd())
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer loads the config and runs dnsfwd until sc is closed.
// It always marks sc as done before it returns.
func StartServer(sf *serverFlags, sc *safe_close.SafeClose) error {
	defer sc.Done()

	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	if len(fileUsed) > 0 {
		mlog.L().Info("config loaded", zap.String("file", fileUsed))
	}

	if err := RunDnsfwd(cfg, sc); err != nil {
		return fmt.Errorf("dnsfwd exited, %w", err)
	}
	return nil
}

// attachSignals closes sc on SIGINT or SIGTERM.
func attachSignals(sc *safe_close.SafeClose) {
	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		select {
		case sig := <-c:
			mlog.L().Info("signal received", zap.Stringer("signal", sig))
			sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config",
// and fall back to defaults and env if there is none.
// Every key can be overridden by env, e.g. DNSFWD_CACHE_TTL for cache.ttl.
func loadConfig(filePath string) (*Config, string, error) {
	v, err := newViper(filePath)
	if err != nil {
		return nil, "", err
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

func newViper(filePath string) (*viper.Viper, error) {
	v := viper.New()
	for k, d := range configDefaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix("DNSFWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func decoderOpt(cfg *mapstructure.DecoderConfig) {
	cfg.ErrorUnused = true
	cfg.TagName = "yaml"
	cfg.WeaklyTypedInput = true
	cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func newLookupCmd() *cobra.Command {
	var configFile string
	c := &cobra.Command{
		Use:   "lookup [-c config_file] {A|PTR} name",
		Short: "Resolve a name through the configured upstreams once.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("fail to load config, %w", err)
			}
			kind, key, err := lookupKey(args[0], args[1])
			if err != nil {
				return err
			}
			chain, err := newChain(cfg, mlog.L(), nil)
			if err != nil {
				return err
			}
			value, server, err := chain.Resolve(context.Background(), kind, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", value, server)
			return nil
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&configFile, "config", "c", "", "config file")
	return c
}

// lookupKey accepts a host name for A, and either an ipv4 address or its
// reverse zone name for PTR.
func lookupKey(qtype, name string) (dnsutils.QueryKind, string, error) {
	switch strings.ToUpper(qtype) {
	case "A":
		return dnsutils.KindA, strings.TrimSuffix(name, ".") + ".", nil
	case "PTR":
		if ip := net.ParseIP(name); ip != nil && ip.To4() != nil {
			return dnsutils.KindPTR, ip.String(), nil
		}
		key, err := dnsutils.PTRKey(name)
		if err != nil {
			return dnsutils.KindOther, "", err
		}
		return dnsutils.KindPTR, key, nil
	default:
		return dnsutils.KindOther, "", fmt.Errorf("unsupported query type %s", qtype)
	}
}

func newConfigCmd() *cobra.Command {
	var configFile string
	c := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(configFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(v.AllSettings())
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&configFile, "config", "c", "", "config file")
	return c
}
