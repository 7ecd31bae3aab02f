package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bbernstein/lacylights-ledmap/internal/database"
	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
)

// configCommand reads and writes the settings table the server consults.
func configCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "show or change settings stored in the database (" + strings.Join(repositories.SettingKeys, ", ") + ")",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "print every stored setting",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withSettings(cmd, func(repo *repositories.SettingRepository) error {
						settings, err := repo.FindAll(ctx)
						if err != nil {
							return err
						}
						if len(settings) == 0 {
							fmt.Fprintln(out, "No settings stored")
							return nil
						}
						for _, s := range settings {
							fmt.Fprintf(out, "%s=%s\n", s.Key, s.Value)
						}
						return nil
					})
				},
			},
			{
				Name:      "get",
				Usage:     "print one setting",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("usage: ledmap config get <key>")
					}
					key := cmd.Args().First()
					return withSettings(cmd, func(repo *repositories.SettingRepository) error {
						s, err := repo.FindByKey(ctx, key)
						if err != nil {
							return err
						}
						if s == nil {
							fmt.Fprintf(out, "%s is not set\n", key)
							return nil
						}
						fmt.Fprintln(out, s.Value)
						return nil
					})
				},
			},
			{
				Name:      "set",
				Usage:     "store a setting",
				ArgsUsage: "<key> <value>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 2 {
						return fmt.Errorf("usage: ledmap config set <key> <value>")
					}
					key, value := cmd.Args().Get(0), strings.TrimSpace(cmd.Args().Get(1))
					if err := repositories.ValidateSetting(key, value); err != nil {
						return err
					}
					return withSettings(cmd, func(repo *repositories.SettingRepository) error {
						if _, err := repo.Upsert(ctx, key, value); err != nil {
							return err
						}
						fmt.Fprintf(out, "Set %s=%s\n", key, value)
						return nil
					})
				},
			},
			{
				Name:      "unset",
				Usage:     "remove a stored setting so the environment default applies",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("usage: ledmap config unset <key>")
					}
					key := cmd.Args().First()
					if err := repositories.CheckWritable(key); err != nil {
						return err
					}
					return withSettings(cmd, func(repo *repositories.SettingRepository) error {
						if err := repo.Delete(ctx, key); err != nil {
							return err
						}
						fmt.Fprintf(out, "Cleared %s\n", key)
						return nil
					})
				},
			},
		},
	}
}

func withSettings(cmd *cli.Command, fn func(*repositories.SettingRepository) error) error {
	cfg := loadConfig(cmd)
	db, err := database.Connect(database.Config{URL: cfg.DatabaseURL, MaxIdleConn: 1, MaxOpenConn: 1})
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()
	return fn(repositories.NewSettingRepository(db))
}
