// Command slashctl is an operator-facing CLI over the slashing-protection
// store: applying migrations, and importing/exporting the EIP-3076 v5
// interchange format. Its subcommand/flag shape is grounded on the
// teacher's cmd/validator/slashing-protection commands.
package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/NicolasMassart/web3signer/interchange"
	"github.com/NicolasMassart/web3signer/registry"
	"github.com/NicolasMassart/web3signer/storage"
)

var log = logrus.WithField("prefix", "slashctl")

var (
	databaseURLFlag = &cli.StringFlag{
		Name:     "db-url",
		Usage:    "Postgres connection string for the slashing-protection database",
		EnvVars:  []string{"SLASHCTL_DB_URL"},
		Required: true,
	}
	dbUsernameFlag = &cli.StringFlag{
		Name:    "db-username",
		Usage:   "Postgres username, if not embedded in --db-url",
		EnvVars: []string{"SLASHCTL_DB_USERNAME"},
	}
	dbPasswordFlag = &cli.StringFlag{
		Name:    "db-password",
		Usage:   "Postgres password, if not embedded in --db-url",
		EnvVars: []string{"SLASHCTL_DB_PASSWORD"},
	}
	fileFlag = &cli.StringFlag{
		Name:     "file",
		Usage:    "path to the EIP-3076 interchange JSON file",
		Required: true,
	}
)

func main() {
	app := &cli.App{
		Name:  "slashctl",
		Usage: "manage the EIP-3076 compliant slashing protection database",
		Commands: []*cli.Command{
			migrateCommand,
			importCommand,
			exportCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("slashctl failed")
	}
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "applies all pending schema migrations",
	Flags: []cli.Flag{databaseURLFlag, dbUsernameFlag, dbPasswordFlag},
	Action: func(cliCtx *cli.Context) error {
		store, err := openStore(cliCtx)
		if err != nil {
			return err
		}
		defer closeStore(store)

		if err := store.Migrate(cliCtx.Context); err != nil {
			return errors.Wrap(err, "could not apply migrations")
		}
		log.Info("migrations applied")
		return nil
	},
}

var importCommand = &cli.Command{
	Name:  "import",
	Usage: "imports an EIP-3076 slashing protection JSON file into the database",
	Flags: []cli.Flag{databaseURLFlag, dbUsernameFlag, dbPasswordFlag, fileFlag},
	Action: func(cliCtx *cli.Context) error {
		store, err := openStore(cliCtx)
		if err != nil {
			return err
		}
		defer closeStore(store)

		f, err := os.Open(cliCtx.String(fileFlag.Name))
		if err != nil {
			return errors.Wrap(err, "could not open interchange file")
		}
		defer f.Close()

		log.WithField("file", cliCtx.String(fileFlag.Name)).Info("starting import")
		if err := interchange.Import(cliCtx.Context, store, registry.New(), f); err != nil {
			return errors.Wrap(err, "could not import slashing protection JSON")
		}
		log.Info("import complete")
		return nil
	},
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "exports the database's slashing protection history as an EIP-3076 JSON file",
	Flags: []cli.Flag{databaseURLFlag, dbUsernameFlag, dbPasswordFlag, fileFlag},
	Action: func(cliCtx *cli.Context) error {
		store, err := openStore(cliCtx)
		if err != nil {
			return err
		}
		defer closeStore(store)

		f, err := os.Create(cliCtx.String(fileFlag.Name))
		if err != nil {
			return errors.Wrap(err, "could not create output file")
		}
		defer f.Close()

		log.WithField("file", cliCtx.String(fileFlag.Name)).Info("starting export")
		if err := interchange.Export(cliCtx.Context, store, f); err != nil {
			return errors.Wrap(err, "could not export slashing protection history")
		}
		log.Info("export complete")
		return nil
	},
}

func openStore(cliCtx *cli.Context) (*storage.Store, error) {
	ctx := cliCtx.Context
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := storage.Open(ctx, storage.Config{
		DatabaseURL: cliCtx.String(databaseURLFlag.Name),
		Username:    cliCtx.String(dbUsernameFlag.Name),
		Password:    cliCtx.String(dbPasswordFlag.Name),
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not open slashing protection database")
	}
	return store, nil
}

func closeStore(store *storage.Store) {
	if err := store.Close(); err != nil {
		log.WithError(err).Error("could not close database connection")
	}
}
