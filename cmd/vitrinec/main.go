package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vitrinelabs/vitrine/bundle"
	"github.com/vitrinelabs/vitrine/condition"
	"github.com/vitrinelabs/vitrine/facts"
	"github.com/vitrinelabs/vitrine/layout"
	"github.com/vitrinelabs/vitrine/store"
)

// Command represents a sub-command of vitrinec
type Command struct {
	Name        string
	Description string
	FlagSet     *flag.FlagSet
	Run         func() error
}

var commands = make(map[string]*Command)

func main() {
	defineCommands()

	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: vitrinec <command> [options]")
		fmt.Fprintln(os.Stderr, "Available commands:")
		for name, cmd := range commands {
			fmt.Fprintf(os.Stderr, "  %s\t%s\n", name, cmd.Description)
		}
		flag.PrintDefaults()
		os.Exit(1)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmdName)
		fmt.Fprintln(os.Stderr, "Available commands:")
		for name, cmd := range commands {
			fmt.Fprintf(os.Stderr, "  %s\t%s\n", name, cmd.Description)
		}
		os.Exit(1)
	}

	cmd.FlagSet.Parse(args[1:])

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defineCommands() {
	defineValidate()
	defineEvaluate()
	defineConvert()
	defineBundle()
	defineLayouts()
	defineMigrate()
	defineKeys()
}

func defineValidate() {
	validateCmd := &Command{
		Name:        "validate",
		Description: "Validate layout files",
		FlagSet:     flag.NewFlagSet("validate", flag.ExitOnError),
	}
	vVerbose := validateCmd.FlagSet.Bool("verbose", false, "Show detailed output")

	validateCmd.Run = func() error {
		files := validateCmd.FlagSet.Args()
		if len(files) < 1 {
			return fmt.Errorf("no input files specified")
		}

		failed := 0
		for _, filename := range files {
			layouts, err := layout.ParseFile(filename)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", filename, err)
				failed++
				continue
			}
			issues := layout.ValidateAll(layouts)
			for _, issue := range issues {
				fmt.Printf("%s: %s\n", filename, issue)
			}
			if layout.HasErrors(issues) {
				failed++
				continue
			}
			if *vVerbose {
				fmt.Printf("%s: %d layout(s) ok\n", filename, len(layouts))
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d file(s) failed validation", failed)
		}
		fmt.Printf("Validated %d file(s)\n", len(files))
		return nil
	}

	commands[validateCmd.Name] = validateCmd
}

func defineEvaluate() {
	evaluateCmd := &Command{
		Name:        "evaluate",
		Description: "Evaluate layouts against a product context file",
		FlagSet:     flag.NewFlagSet("evaluate", flag.ExitOnError),
	}
	eContext := evaluateCmd.FlagSet.String("context", "", "Path to a JSON product context file")
	eName := evaluateCmd.FlagSet.String("name", "", "Evaluate only the named layout")
	eExplain := evaluateCmd.FlagSet.Bool("explain", false, "Show per-condition results")

	evaluateCmd.Run = func() error {
		files := evaluateCmd.FlagSet.Args()
		if len(files) < 1 {
			return fmt.Errorf("no layout files specified")
		}
		if *eContext == "" {
			return fmt.Errorf("-context is required")
		}

		raw, err := os.ReadFile(*eContext)
		if err != nil {
			return fmt.Errorf("reading context: %w", err)
		}
		bag, err := facts.Normalize(raw)
		if err != nil {
			return fmt.Errorf("normalizing context: %w", err)
		}

		var layouts []layout.Layout
		for _, filename := range files {
			parsed, err := layout.ParseFile(filename)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", filename, err)
			}
			layouts = append(layouts, parsed...)
		}
		if *eName != "" {
			filtered := layouts[:0]
			for _, l := range layouts {
				if l.Name == *eName {
					filtered = append(filtered, l)
				}
			}
			if len(filtered) == 0 {
				return fmt.Errorf("layout %q not found", *eName)
			}
			layouts = filtered
		}

		if !bag.Ready() {
			fmt.Println("Context is not ready: product and selected item are required for a decision")
		}

		for i := range layouts {
			l := &layouts[i]
			if *eExplain {
				explanation := layout.Explain(l, bag)
				payload, err := json.MarshalIndent(explanation, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(payload))
				continue
			}
			branch, err := layout.Decide(l, bag)
			if err != nil {
				return fmt.Errorf("evaluating %s: %w", l.Name, err)
			}
			switch {
			case branch == nil && !bag.Ready():
				fmt.Printf("%s: no decision (context not ready)\n", l.Name)
			case branch == nil:
				fmt.Printf("%s: no branch\n", l.Name)
			default:
				fmt.Printf("%s: %s (%s)\n", l.Name, branch.Name, branch.Ref)
			}
		}
		return nil
	}

	commands[evaluateCmd.Name] = evaluateCmd
}

func defineConvert() {
	convertCmd := &Command{
		Name:        "convert",
		Description: "Rewrite layout files between JSON and YAML",
		FlagSet:     flag.NewFlagSet("convert", flag.ExitOnError),
	}
	cOutput := convertCmd.FlagSet.String("output", "", "Output file (extension selects the format)")

	convertCmd.Run = func() error {
		files := convertCmd.FlagSet.Args()
		if len(files) != 1 {
			return fmt.Errorf("exactly one input file is required")
		}
		if *cOutput == "" {
			return fmt.Errorf("-output is required")
		}
		layouts, err := layout.ParseFile(files[0])
		if err != nil {
			return fmt.Errorf("parsing %s: %w", files[0], err)
		}
		if err := layout.WriteFile(*cOutput, layouts); err != nil {
			return fmt.Errorf("writing %s: %w", *cOutput, err)
		}
		fmt.Printf("Wrote %d layout(s) to %s\n", len(layouts), *cOutput)
		return nil
	}

	commands[convertCmd.Name] = convertCmd
}

func defineBundle() {
	bundleCmd := &Command{
		Name:        "bundle",
		Description: "Build, push, or pull layout bundles",
		FlagSet:     flag.NewFlagSet("bundle", flag.ExitOnError),
	}
	bName := bundleCmd.FlagSet.String("name", "", "Bundle name")
	bVersion := bundleCmd.FlagSet.String("version", "1.0.0", "Bundle version")
	bDir := bundleCmd.FlagSet.String("dir", ".", "Directory containing layout files")
	bPush := bundleCmd.FlagSet.String("push", "", "OCI reference to push the bundle to (e.g. ghcr.io/acme/layouts:v1)")
	bPull := bundleCmd.FlagSet.String("pull", "", "OCI reference to pull a bundle from")
	bOutput := bundleCmd.FlagSet.String("output", "./bundle", "Output directory for pulled bundles")

	bundleCmd.Run = func() error {
		if *bPull != "" {
			pulled, err := bundle.Pull(*bPull, *bOutput)
			if err != nil {
				return fmt.Errorf("pulling bundle: %w", err)
			}
			fmt.Printf("Pulled bundle %s v%s (%d layouts) to %s\n", pulled.Name, pulled.Version, pulled.LayoutCount, *bOutput)
			return nil
		}

		if *bName == "" {
			return fmt.Errorf("-name is required")
		}
		built, err := bundle.Build(*bName, *bVersion, *bDir)
		if err != nil {
			return fmt.Errorf("building bundle: %w", err)
		}
		if err := built.Save(); err != nil {
			return fmt.Errorf("saving manifest: %w", err)
		}
		fmt.Printf("Built bundle %s v%s: %d layout(s), hash %s\n", built.Name, built.Version, built.LayoutCount, shortHash(built.ContentHash))

		if *bPush != "" {
			if err := built.Push(*bPush); err != nil {
				return fmt.Errorf("pushing bundle: %w", err)
			}
			fmt.Printf("Pushed bundle to %s\n", *bPush)
		}
		return nil
	}

	commands[bundleCmd.Name] = bundleCmd
}

func defineLayouts() {
	layoutsCmd := &Command{
		Name:        "layouts",
		Description: "List, get, store, or delete layouts in a Postgres backend",
		FlagSet:     flag.NewFlagSet("layouts", flag.ExitOnError),
	}
	lDSN := layoutsCmd.FlagSet.String("dsn", "", "Postgres connection string")
	lAction := layoutsCmd.FlagSet.String("action", "list", "Action: list, get, store, delete")
	lName := layoutsCmd.FlagSet.String("name", "", "Layout name")
	lVersion := layoutsCmd.FlagSet.String("version", "", "Layout version (empty means latest)")
	lEnvironment := layoutsCmd.FlagSet.String("environment", "default", "Environment")
	lStatus := layoutsCmd.FlagSet.String("status", "", "Filter list by status (draft, active, deprecated)")
	lFile := layoutsCmd.FlagSet.String("file", "", "Layout file to store")

	layoutsCmd.Run = func() error {
		dsn := strings.TrimSpace(*lDSN)
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("VITRINE_POSTGRES_DSN"))
		}
		if dsn == "" {
			return fmt.Errorf("-dsn or VITRINE_POSTGRES_DSN is required")
		}

		ctx := context.Background()
		config := store.DefaultPostgresConfig()
		config.DSN = dsn
		config.AutoMigrate = false
		backend, err := store.NewPostgresStore(ctx, config)
		if err != nil {
			return fmt.Errorf("connecting to store: %w", err)
		}
		defer backend.Close()

		switch *lAction {
		case "list":
			filters := &store.ListFilters{Name: *lName, Environment: *lEnvironment}
			if *lStatus != "" {
				filters.Status = []store.Status{store.Status(*lStatus)}
			}
			stored, err := backend.List(ctx, filters)
			if err != nil {
				return fmt.Errorf("listing layouts: %w", err)
			}
			for _, s := range stored {
				fmt.Printf("%s\t%s\t%s\t%s\n", s.Name, s.Version, s.Environment, s.Status)
			}
			fmt.Printf("%d layout(s)\n", len(stored))
			return nil
		case "get":
			if *lName == "" {
				return fmt.Errorf("-name is required for get")
			}
			stored, err := backend.Get(ctx, *lName, *lVersion, *lEnvironment)
			if err != nil {
				return fmt.Errorf("getting layout: %w", err)
			}
			payload, err := json.MarshalIndent(stored, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		case "store":
			if *lFile == "" {
				return fmt.Errorf("-file is required for store")
			}
			layouts, err := layout.ParseFile(*lFile)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", *lFile, err)
			}
			if issues := layout.ValidateAll(layouts); layout.HasErrors(issues) {
				for _, issue := range issues {
					fmt.Fprintf(os.Stderr, "%s: %s\n", *lFile, issue)
				}
				return fmt.Errorf("%s failed validation", *lFile)
			}
			version := *lVersion
			if version == "" {
				version = "1.0.0"
			}
			for _, l := range layouts {
				stored := &store.StoredLayout{
					Name:        l.Name,
					Version:     version,
					Environment: *lEnvironment,
					Status:      store.StatusActive,
					Layout:      l,
				}
				if err := backend.Store(ctx, stored); err != nil {
					return fmt.Errorf("storing %s: %w", l.Name, err)
				}
				fmt.Printf("Stored %s v%s (%s)\n", stored.Name, stored.Version, stored.Environment)
			}
			return nil
		case "delete":
			if *lName == "" {
				return fmt.Errorf("-name is required for delete")
			}
			if err := backend.Delete(ctx, *lName, *lVersion, *lEnvironment); err != nil {
				return fmt.Errorf("deleting layout: %w", err)
			}
			fmt.Printf("Deleted %s\n", *lName)
			return nil
		default:
			return fmt.Errorf("unknown action %q", *lAction)
		}
	}

	commands[layoutsCmd.Name] = layoutsCmd
}

func defineMigrate() {
	migrateCmd := &Command{
		Name:        "migrate",
		Description: "Apply database migrations for the Postgres store",
		FlagSet:     flag.NewFlagSet("migrate", flag.ExitOnError),
	}
	mDSN := migrateCmd.FlagSet.String("dsn", "", "Postgres connection string")
	mPath := migrateCmd.FlagSet.String("migrations", "store/migrations", "Path to migration files")
	mDown := migrateCmd.FlagSet.Bool("down", false, "Roll back the most recent migration")
	mStatus := migrateCmd.FlagSet.Bool("status", false, "Print migration status instead of applying")

	migrateCmd.Run = func() error {
		dsn := strings.TrimSpace(*mDSN)
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("VITRINE_POSTGRES_DSN"))
		}
		if dsn == "" {
			return fmt.Errorf("-dsn or VITRINE_POSTGRES_DSN is required")
		}
		switch {
		case *mStatus:
			return store.MigrationStatus(dsn, *mPath)
		case *mDown:
			if err := store.RollbackMigration(dsn, *mPath); err != nil {
				return fmt.Errorf("rolling back: %w", err)
			}
			fmt.Println("Rolled back one migration")
		default:
			if err := store.RunMigrations(dsn, *mPath); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			fmt.Println("Migrations applied")
		}
		return nil
	}

	commands[migrateCmd.Name] = migrateCmd
}

func defineKeys() {
	keysCmd := &Command{
		Name:        "keys",
		Description: "List the supported condition keys",
		FlagSet:     flag.NewFlagSet("keys", flag.ExitOnError),
	}
	kJSON := keysCmd.FlagSet.Bool("json", false, "Output as JSON")

	keysCmd.Run = func() error {
		keys := condition.Keys()
		if *kJSON {
			payload, err := json.MarshalIndent(keys, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	}

	commands[keysCmd.Name] = keysCmd
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
