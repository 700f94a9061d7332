package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/sergeknystautas/specmux/internal/cloud"
	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/project"
	"github.com/sergeknystautas/specmux/internal/scaffold"
	"github.com/sergeknystautas/specmux/internal/state"
	"github.com/sergeknystautas/specmux/internal/version"
)

// openFlags are the options shared by the open and run commands.
type openFlags struct {
	projectRoot string
	configFile  string
	port        int
	baseURL     string
	reporter    string
	component   bool
}

func parseOpenFlags(name string, args []string) (openFlags, error) {
	var f openFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.projectRoot, "project", "", "project root (default: current directory)")
	fs.StringVar(&f.configFile, "config-file", "", "settings file name (default: specmux.json)")
	fs.IntVar(&f.port, "port", 0, "pin the session server port")
	fs.StringVar(&f.baseURL, "base-url", "", "base URL the app under test is served at")
	fs.StringVar(&f.reporter, "reporter", "", "reporter name")
	fs.BoolVar(&f.component, "component", false, "open in component-testing mode")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return f, fmt.Errorf("failed to determine project root: %w", err)
		}
		f.projectRoot = wd
	}
	abs, err := filepath.Abs(f.projectRoot)
	if err != nil {
		return f, err
	}
	f.projectRoot = abs
	return f, nil
}

func (f openFlags) testingType() config.TestingType {
	if f.component {
		return config.TypeComponent
	}
	return config.TypeE2E
}

func (f openFlags) options(isHeadless bool) project.Options {
	return project.Options{
		TestingType: f.testingType(),
		ConfigFile:  f.configFile,
		Port:        f.port,
		BaseURL:     f.baseURL,
		Reporter:    f.reporter,
		IsHeadless:  isHeadless,
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "open":
		if err := cmdOpen(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "run":
		if err := cmdRun(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "status":
		if err := cmdStatus(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "schema":
		schema, err := config.SettingsSchemaJSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(schema)

	case "version", "-v", "--version":
		fmt.Printf("specmux v%s\n", version.Version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func cmdOpen(args []string) error {
	f, err := parseOpenFlags("open", args)
	if err != nil {
		return err
	}
	if err := ensureSettingsFile(f); err != nil {
		return err
	}

	p, err := project.New(f.projectRoot, project.Collaborators{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := p.Open(ctx, f.options(!interactiveStdin()))
	if err != nil {
		_ = p.Close(context.Background())
		return err
	}

	fmt.Printf("specmux is running on port %d\n", sess.Port)
	fmt.Printf("Runner: %s\n", sess.SpecURL(project.AllSpecs))
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return p.Close(context.Background())
}

func cmdRun(args []string) error {
	f, err := parseOpenFlags("run", args)
	if err != nil {
		return err
	}

	p, err := project.New(f.projectRoot, project.Collaborators{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := p.Open(ctx, f.options(true))
	if err != nil {
		_ = p.Close(context.Background())
		return err
	}
	fmt.Printf("specmux session %s open on port %d (headless)\n", sess.ID, sess.Port)

	// Headless runs are driven by an external runner over the session
	// channel; this process holds the session open until interrupted.
	<-ctx.Done()
	return p.Close(context.Background())
}

// cmdStatus reconciles locally known projects against the remote account.
func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	apiURL := fs.String("api-url", cloud.DefaultBaseURL, "remote API base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	roots := fs.Args()
	if len(roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		roots = []string{wd}
	}

	client := cloud.NewClient(*apiURL)
	if _, err := client.EnsureAuthToken(); err != nil {
		return err
	}

	local := make([]cloud.LocalProject, 0, len(roots))
	for _, root := range roots {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		id := ""
		if cfg, err := config.Resolve(root, config.Options{TestingType: config.TypeE2E, IsHeadless: true}, state.PersistedState{}); err == nil {
			id = cfg.ProjectID
		}
		local = append(local, cloud.LocalProject{Path: root, ID: id})
	}

	remote, err := client.GetProjects(context.Background())
	if err != nil {
		return err
	}
	statuses := cloud.ReconcileStatuses(context.Background(), client, local, remote)
	for _, st := range statuses {
		if st.Err != nil {
			fmt.Printf("%-12s %s (%v)\n", "ERROR", st.Path, st.Err)
			continue
		}
		fmt.Printf("%-12s %s\n", st.Status, st.Path)
	}
	return nil
}

// interactiveStdin reports whether stdin is attached to a terminal. It also
// decides headless mode for open: a piped stdin cannot drive the runner UI.
func interactiveStdin() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ensureSettingsFile scaffolds a missing settings file, prompting first when
// attached to a terminal. Declining aborts the open.
func ensureSettingsFile(f openFlags) error {
	configFile := f.configFile
	if configFile == "" {
		configFile = "specmux.json"
	}
	if _, err := os.Stat(filepath.Join(f.projectRoot, configFile)); err == nil {
		return nil
	}

	if interactiveStdin() {
		create := true
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("No %s found in %s", configFile, f.projectRoot)).
					Description("Create one with a starter scaffold?").
					Affirmative("Create").
					Negative("Quit").
					Value(&create),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
		if !create {
			return fmt.Errorf("aborted: no settings file")
		}
	}

	created, err := scaffold.EnsureSettings(f.projectRoot, configFile)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created %s\n", configFile)
	}
	return nil
}

func printUsage() {
	fmt.Println("specmux - interactive test-runner project orchestrator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  specmux <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  open      Open a project interactively")
	fmt.Println("  run       Open a project headless for a recorded run")
	fmt.Println("  status    Reconcile local projects against the remote account")
	fmt.Println("  schema    Print the settings file JSON schema")
	fmt.Println("  version   Show version")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Flags for open/run:")
	fmt.Println("  --project <path>      Project root (default: current directory)")
	fmt.Println("  --config-file <name>  Settings file name (default: specmux.json)")
	fmt.Println("  --port <n>            Pin the session server port")
	fmt.Println("  --base-url <url>      Base URL the app under test is served at")
	fmt.Println("  --reporter <name>     Reporter name")
	fmt.Println("  --component           Component-testing mode")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  specmux open                        # Open the current directory")
	fmt.Println("  specmux open --component            # Component-testing session")
	fmt.Println("  specmux run --project /path/to/app  # Headless session")
	fmt.Println("  specmux status ~/projects/app       # Check remote project status")
}
