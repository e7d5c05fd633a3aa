package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/portal/service"
	"github.com/spf13/cobra"
)

var (
	config service.Config

	sampleCount  int
	sampleForce  bool
	tokenRoles   []string
	tokenTTL     time.Duration
	purgeConfirm bool

	rootCmd = &cobra.Command{
		Use:   "devicemanager",
		Short: "Device administration portal for remote monitoring",
		Long: `devicemanager serves the device administration portal and the device broker.

The configuration is read from the environment, see the service package for all variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := envdecode.Decode(&config); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger.InitLogger(logger.ParseLevel(config.LogLevel))
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the portal and run the device broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := service.New(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.Serve(ctx)
		},
	}

	sampleDevicesCmd = &cobra.Command{
		Use:   "create-sample-devices",
		Short: "Add simulated devices of every simulated device type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				var added []string
				var err error
				if sampleForce {
					added, err = s.Devices.GenerateSampleDevices(ctx, sampleCount)
				} else {
					added, err = s.Devices.BootstrapSampleDevices(ctx, sampleCount)
				}
				if err != nil {
					return err
				}
				cmd.Printf("added %d devices\n", len(added))
				return nil
			})
		},
	}

	bootstrapRulesCmd = &cobra.Command{
		Use:   "bootstrap-rules [device id...]",
		Short: "Add the default rules to devices, all devices if none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				deviceIDs := args
				if len(deviceIDs) == 0 {
					list, _, err := s.Devices.ListDevices(ctx, docstore.Query{})
					if err != nil {
						return err
					}
					for i := range list {
						deviceIDs = append(deviceIDs, list[i].ID())
					}
				}
				added, err := s.Rules.BootstrapDefaultRules(ctx, deviceIDs)
				if err != nil {
					return err
				}
				cmd.Printf("added %d rules\n", added)
				return nil
			})
		},
	}

	exportRulesCmd = &cobra.Command{
		Use:   "export-rules",
		Short: "Export the enabled rules to the blob store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				if err := s.Rules.ExportRules(ctx); err != nil {
					return err
				}
				key, err := s.Rules.LatestExport(ctx)
				if err != nil {
					return err
				}
				cmd.Println(key)
				return nil
			})
		},
	}

	purgeJobsCmd = &cobra.Command{
		Use:   "purge-jobs",
		Short: "Delete failed jobs from the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !purgeConfirm {
				return fmt.Errorf("purging deletes failed jobs for good, confirm with --yes")
			}
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				health, err := s.Queue.Health(ctx, false)
				if err != nil {
					return err
				}
				if err := s.Queue.HealthPurge(ctx); err != nil {
					return err
				}
				cmd.Printf("purged %d failed jobs\n", health.Jobs.Failed)
				return nil
			})
		},
	}

	issueTokenCmd = &cobra.Command{
		Use:   "issue-token <identity>",
		Short: "Issue a bearer token for the portal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not configured")
			}
			token, err := access.IssueToken([]byte(config.JWTSecret), config.JWTIssuer, args[0], tokenRoles, tokenTTL)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
)

// withService runs f against a service without device broker
func withService(ctx context.Context, f func(context.Context, *service.Service) error) error {
	c := config
	c.MQTTEnabled = false
	s, err := service.New(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()
	return f(ctx, s)
}

func init() {
	sampleDevicesCmd.Flags().IntVar(&sampleCount, "count", 2, "devices per simulated device type")
	sampleDevicesCmd.Flags().BoolVar(&sampleForce, "force", false, "add devices even if there are devices already")
	purgeJobsCmd.Flags().BoolVar(&purgeConfirm, "yes", false, "confirm the purge")
	issueTokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "roles of the token, none to use the account's roles")
	issueTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "validity of the token")

	rootCmd.AddCommand(serveCmd, sampleDevicesCmd, bootstrapRulesCmd, exportRulesCmd, purgeJobsCmd, issueTokenCmd)
}
