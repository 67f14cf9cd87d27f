package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gofer/internal/config"
)

func initCmd() *cobra.Command {
	var useDefaults bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file interactively",
		Long: "Walks through the initial setup: worker CLI, credentials, default\n" +
			"model, agent mode, and gateway token. Secrets go to the env file\n" +
			"(~/.gofer/.env by default), never into the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(useDefaults)
		},
	}
	cmd.Flags().BoolVar(&useDefaults, "defaults", false, "write the default config without prompting")
	return cmd
}

func runInit(useDefaults bool) error {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	if useDefaults {
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cfgPath)
		return nil
	}

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return initAborted(err)
		}
		if !overwrite {
			fmt.Println("keeping the existing config")
			return nil
		}
	}

	var (
		workerCmd = cfg.Worker.Command
		apiKey    string
		aggKey    string
		model     = cfg.Router.DefaultModel
		agentMode bool
		genToken  = true
	)

	modelOpts := make([]huh.Option[string], 0, len(cfg.Models))
	for _, spec := range cfg.Models {
		label := fmt.Sprintf("%s (tier %d)", spec.Name, spec.Tier)
		modelOpts = append(modelOpts, huh.NewOption(label, spec.Name))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Worker CLI command").
				Description("The binary gofer drives as a child process.").
				Value(&workerCmd),
			huh.NewInput().
				Title("API key").
				Description("Leave empty to rely on the worker CLI's own OAuth login.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Aggregator key").
				Description("Optional marketplace key for the usage aggregator.").
				EchoMode(huh.EchoModePassword).
				Value(&aggKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Default model").
				Options(modelOpts...).
				Value(&model),
			huh.NewConfirm().
				Title("Enable agent mode?").
				Description("Agent sessions let the worker edit files and run commands.").
				Value(&agentMode),
			huh.NewConfirm().
				Title("Generate a gateway token?").
				Description("Required before exposing the gateway beyond localhost.").
				Value(&genToken),
		),
	)
	if err := form.Run(); err != nil {
		return initAborted(err)
	}

	cfg.Worker.Command = workerCmd
	cfg.Router.DefaultModel = model
	cfg.Agent.Enabled = agentMode

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	// Only touched keys reach the env file; WriteEnvFile keeps the rest.
	secrets := map[string]string{}
	if apiKey != "" {
		secrets["GOFER_API_KEY"] = apiKey
	}
	if aggKey != "" {
		secrets["GOFER_AGGREGATOR_KEY"] = aggKey
	}
	if genToken {
		token, err := newToken()
		if err != nil {
			return err
		}
		secrets["GOFER_GATEWAY_TOKEN"] = token
	}

	envPath := config.DefaultEnvFile()
	if len(secrets) > 0 {
		if err := config.WriteEnvFile(envPath, secrets); err != nil {
			return err
		}
	}

	fmt.Printf("wrote %s\n", cfgPath)
	if len(secrets) > 0 {
		fmt.Printf("wrote %s (owner-only)\n", envPath)
	}
	if _, err := exec.LookPath(workerCmd); err != nil {
		fmt.Printf("warning: %q not found in PATH\n", workerCmd)
	}
	fmt.Println("next: gofer doctor")
	return nil
}

func initAborted(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println("init cancelled")
		return nil
	}
	return err
}

// newToken returns a 32-hex-char random gateway token.
func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
