package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	kitlog "github.com/go-kit/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/modules/registry"
	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/analytics"
)

type globalOptions struct {
	Address  string `help:"Address of the key-value store." default:"localhost:6379"`
	ConfigDB int    `name:"config-db" help:"Store database index holding the configuration registry." default:"0"`
}

func (g *globalOptions) newRegistry() (*registry.Registry, *storage.Store) {
	store := storage.New(storage.Config{
		Address:      g.Address,
		ConfigDB:     g.ConfigDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	return registry.New(store, kitlog.NewLogfmtLogger(os.Stderr)), store
}

type loadCmd struct {
	DataDB int      `name:"data-db" help:"Override the data database index of the loaded definitions." default:"0"`
	Files  []string `arg:"" help:"Definition files to load and activate." type:"existingfile"`
}

func (cmd *loadCmd) Run(opts *globalOptions) error {
	reg, store := opts.newRegistry()
	defer store.Close()
	ctx := context.Background()

	for _, file := range cmd.Files {
		blob, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		def, err := analytics.Parse(blob)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", file)
		}
		if cmd.DataDB != 0 {
			def.SetDataDB(cmd.DataDB)
		}
		if err := reg.Load(ctx, def); err != nil {
			return err
		}
		fmt.Printf("loaded %s\n", def.Name)
	}
	return nil
}

type dumpCmd struct {
	Names []string `arg:"" help:"Analytics to dump, one <name>.json file each."`
}

func (cmd *dumpCmd) Run(opts *globalOptions) error {
	reg, store := opts.newRegistry()
	defer store.Close()

	return dumpDefinitions(context.Background(), reg, cmd.Names)
}

type dumpAllCmd struct{}

func (cmd *dumpAllCmd) Run(opts *globalOptions) error {
	reg, store := opts.newRegistry()
	defer store.Close()
	ctx := context.Background()

	names, err := reg.Active(ctx)
	if err != nil {
		return err
	}
	return dumpDefinitions(ctx, reg, names)
}

func dumpDefinitions(ctx context.Context, reg *registry.Registry, names []string) error {
	for _, name := range names {
		def, err := reg.Definition(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "dumping '%s'", name)
		}
		blob, err := def.SerializeJSON()
		if err != nil {
			return err
		}
		file := name + ".json"
		if err := os.WriteFile(file, blob, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", file)
	}
	return nil
}

type enableCmd struct {
	Names []string `arg:"" help:"Analytics to enable."`
}

func (cmd *enableCmd) Run(opts *globalOptions) error {
	reg, store := opts.newRegistry()
	defer store.Close()
	ctx := context.Background()

	for _, name := range cmd.Names {
		if err := reg.Enable(ctx, name); err != nil {
			if errors.Is(err, registry.ErrNotLoaded) {
				return errors.Errorf("analytics '%s' is not loaded, use the 'load' command with its definition file", name)
			}
			return err
		}
		fmt.Printf("enabled %s\n", name)
	}
	return nil
}

type disableCmd struct {
	Names []string `arg:"" help:"Analytics to disable."`
}

func (cmd *disableCmd) Run(opts *globalOptions) error {
	reg, store := opts.newRegistry()
	defer store.Close()
	ctx := context.Background()

	for _, name := range cmd.Names {
		if err := reg.Disable(ctx, name); err != nil {
			return err
		}
		fmt.Printf("disabled %s\n", name)
	}
	return nil
}

type listCmd struct{}

func (cmd *listCmd) Run(opts *globalOptions) error {
	reg, store := opts.newRegistry()
	defer store.Close()
	ctx := context.Background()

	names, err := reg.Names(ctx)
	if err != nil {
		return err
	}

	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	w.AppendHeader(table.Row{"name", "active", "data db", "resources", "description"})
	for _, name := range names {
		def, err := reg.Definition(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "reading '%s'", name)
		}
		active, err := reg.IsActive(ctx, name)
		if err != nil {
			return err
		}
		w.AppendRow(table.Row{def.Name, active, def.DataDB, fmt.Sprint(def.Resources()), def.Description})
	}
	w.Render()
	return nil
}

var cli struct {
	globalOptions

	Load    loadCmd    `cmd:"" help:"Load one or more analytics definitions from JSON files and activate them."`
	Dump    dumpCmd    `cmd:"" help:"Dump loaded analytics back to <name>.json files."`
	Dumpall dumpAllCmd `cmd:"" help:"Dump every active analytics to <name>.json files."`
	Enable  enableCmd  `cmd:"" help:"Re-activate previously loaded analytics."`
	Disable disableCmd `cmd:"" help:"Deactivate analytics, keeping their definitions."`
	List    listCmd    `cmd:"" help:"List loaded analytics."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("dicer-cli"),
		kong.Description("Administer the analytics registry of a running dicer."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}
