package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/chefbuild/containerv/pkg/auth"
	"github.com/chefbuild/containerv/pkg/config"
	"github.com/chefbuild/containerv/pkg/container"
	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/types"
	"github.com/chefbuild/containerv/pkg/upload"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "containerv",
	Short: "containerv - isolated execution environments for build workloads",
	Long: `containerv creates, supervises, and tears down isolated execution
environments backed by Linux namespaces or the Windows host compute
service, and publishes archived artifacts to the artifact service.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"containerv version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to the client configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(loginCmd)
	addPlatformCommands(rootCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command in a fresh container",
	Long: `Create a container from the declared layer stack, run one command in
it, and tear the container down when the command exits.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		layerDirs, _ := cmd.Flags().GetStringArray("layer")
		archives, _ := cmd.Flags().GetStringArray("archive")
		hostname, _ := cmd.Flags().GetString("hostname")
		dns, _ := cmd.Flags().GetString("dns")
		memory, _ := cmd.Flags().GetString("memory")
		cpu, _ := cmd.Flags().GetInt("cpu")
		pids, _ := cmd.Flags().GetInt("pids")
		network, _ := cmd.Flags().GetBool("network")
		envFlags, _ := cmd.Flags().GetStringArray("env")

		if dns == "" {
			dns = cfg.DNS
		}

		var declared []types.Layer
		for i, dir := range layerDirs {
			declared = append(declared, types.Layer{
				Kind:        types.LayerHostDir,
				Source:      dir,
				Destination: "/",
				ReadOnly:    i < len(layerDirs)-1,
			})
		}
		for _, archive := range archives {
			declared = append(declared, types.Layer{
				Kind:        types.LayerArchive,
				Source:      archive,
				Destination: "/",
			})
		}

		limits := types.Limits{CPUPercent: cpu, MaxProcesses: pids}
		if memory != "" {
			bytes, err := units.RAMInBytes(memory)
			if err != nil {
				return fmt.Errorf("invalid --memory %q: %w", memory, err)
			}
			limits.MemoryMaxBytes = bytes
		}

		ctx := context.Background()
		c, err := container.Create(ctx, container.Options{
			Layers:        declared,
			Hostname:      hostname,
			DNS:           dns,
			Limits:        limits,
			Policy:        types.Policy{NoNewPrivileges: true},
			EnableNetwork: network,
			Bridge:        cfg.Bridge,
			CgroupRoot:    cfg.CgroupRoot,
			UVMImage:      cfg.UVMImage,
		})
		if err != nil {
			return err
		}
		defer c.Destroy(ctx)

		fmt.Printf("container %s created\n", c.ID())

		proc, err := c.Spawn(ctx, args[0], args[1:], envFlags)
		if err != nil {
			return err
		}
		code, err := c.Wait(proc)
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("command exited with status %d", code)
		}
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <archive>",
	Short: "Upload an archived artifact to the artifact service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blobURL, _ := cmd.Flags().GetString("url")
		if blobURL == "" {
			return fmt.Errorf("--url is required")
		}

		uploader, err := upload.NewUploader(nil, blobURL)
		if err != nil {
			return err
		}

		progress := upload.TTYProgress(os.Stdout)
		if err := uploader.Upload(context.Background(), args[0], progress); err != nil {
			return err
		}
		fmt.Println("publish complete")
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the artifact service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		usePubkey, _ := cmd.Flags().GetBool("pubkey")
		store, err := auth.NewStore("")
		if err != nil {
			return err
		}

		ctx := context.Background()
		if usePubkey {
			keyPath, _ := cmd.Flags().GetString("key")
			if keyPath == "" {
				keyPath = cfg.PrivateKeyPath
			}
			pk := &auth.PubkeyConfig{
				APIURL:  strings.TrimRight(cfg.ArtifactURL, "/"),
				KeyPath: keyPath,
				Client:  http.DefaultClient,
				Store:   store,
			}
			cache, err := pk.Login(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("signed in as account %s\n", cache.AccountGUID)
			return nil
		}

		dc := &auth.DeviceCodeConfig{
			AuthorityURL: strings.TrimRight(cfg.AuthorityURL, "/"),
			ClientID:     cfg.ClientID,
			Store:        store,
		}
		if _, err := dc.Login(ctx); err != nil {
			return err
		}
		fmt.Println("signed in")
		return nil
	},
}

func init() {
	runCmd.Flags().StringArray("layer", nil, "Host directory layer, base first (repeatable)")
	runCmd.Flags().StringArray("archive", nil, "Archive layer expanded on first use (repeatable)")
	runCmd.Flags().String("hostname", "", "Container hostname (defaults to the id)")
	runCmd.Flags().String("dns", "", "Nameserver list, separated by ';' ',' or whitespace")
	runCmd.Flags().String("memory", "", "Memory cap, e.g. 2g")
	runCmd.Flags().Int("cpu", 0, "CPU cap as a percentage of one period (1-100)")
	runCmd.Flags().Int("pids", 0, "Process count cap")
	runCmd.Flags().Bool("network", false, "Attach the container to the bridge network")
	runCmd.Flags().StringArray("env", nil, "Environment entry KEY=VALUE (repeatable)")

	publishCmd.Flags().String("url", "", "Writable blob URL including its access token")

	loginCmd.Flags().Bool("pubkey", false, "Use the public-key flow instead of device code")
	loginCmd.Flags().String("key", "", "PEM private key for the public-key flow")
}
