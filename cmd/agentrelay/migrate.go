package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

func newMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations for the database store",
		Long: `Apply or roll back the schema used by store.type=database.

The database connection is read from the database section of the config
file and from AGENTRELAY_DATABASE_* environment variables.`,
		Example: `  agentrelay migrate up
  agentrelay migrate up --config /etc/agentrelay/config.yaml
  agentrelay migrate down
  agentrelay migrate steps -1
  agentrelay migrate force 1
  agentrelay migrate status`,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	run := func(fn func(ctx context.Context, cli *migration.CLI) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			return withMigrationCLI(cmd, configPath, fn)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, cli *migration.CLI) error {
				return cli.RunUp(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, cli *migration.CLI) error {
				return cli.RunDown(ctx)
			}),
		},
		&cobra.Command{
			Use:   "steps N",
			Short: "Apply (N > 0) or roll back (N < 0) N migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step count %q: %w", args[0], err)
				}
				return withMigrationCLI(cmd, configPath, func(ctx context.Context, cli *migration.CLI) error {
					return cli.RunSteps(ctx, n)
				})
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Force the schema version and clear the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return withMigrationCLI(cmd, configPath, func(ctx context.Context, cli *migration.CLI) error {
					return cli.RunForce(ctx, v)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, cli *migration.CLI) error {
				return cli.RunStatus(ctx)
			}),
		},
	)
	return cmd
}

// withMigrationCLI 打开数据库并执行迁移操作，结束后关闭连接。
// 迁移命令只需要 database 配置，跳过整体校验。
func withMigrationCLI(cmd *cobra.Command, configPath string, fn func(ctx context.Context, cli *migration.CLI) error) error {
	cfg, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}

	m, err := migration.NewMigratorFromConfig(cfg.Database, zap.NewNop())
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(cmd.OutOrStdout())
	return fn(cmd.Context(), cli)
}
